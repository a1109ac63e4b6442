package gate

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"authcore/internal/token"
	"authcore/internal/util"
)

// flashWindow bounds how long a flash token stays redeemable; it only
// needs to survive a redirect.
const flashWindow = 5 * time.Minute

// EncodeFlash wraps a user-visible message in a signed token so it can
// travel through a redirect as a query parameter.
func (g *Gate) EncodeFlash(message string) (string, error) {
	return g.codec.Encode(map[string]any{
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

// DecodeFlash recovers the message from a flash token. Tampered or stale
// tokens are silently dropped.
func (g *Gate) DecodeFlash(tok string) (string, bool) {
	payload, err := g.codec.Decode(tok)
	if err != nil {
		return "", false
	}
	if !token.TimestampValid(payload, flashWindow, time.Now()) {
		return "", false
	}
	msg, ok := payload["message"].(string)
	if !ok || msg == "" {
		return "", false
	}
	return msg, true
}

// RedirectWithNotice sends a browser to target carrying message as a
// signed flash notice. Handle picks the notice up on the next request and
// surfaces it to the user.
func (g *Gate) RedirectWithNotice(w http.ResponseWriter, r *http.Request, target, message string) {
	notice, err := g.EncodeFlash(message)
	if err != nil {
		g.logger.Error("Failed to encode flash notice", util.ErrorField(err))
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+"notice="+url.QueryEscape(notice), http.StatusSeeOther)
}
