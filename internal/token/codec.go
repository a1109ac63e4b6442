package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"authcore/internal/config"
)

var (
	// ErrMalformedToken is returned when a token does not have the
	// iv-ciphertext-hmac structure at all. Callers must not score the
	// blacklist for this case.
	ErrMalformedToken = errors.New("malformed token")
	// ErrTokenIntegrity is returned when the HMAC does not verify. This is
	// the tampering signal callers score against the blacklist.
	ErrTokenIntegrity = errors.New("token integrity check failed")
	// ErrDecryptionFailed is returned when the ciphertext cannot be
	// decrypted or yields no usable plaintext.
	ErrDecryptionFailed = errors.New("token decryption failed")
	// ErrTokenSchema is returned when the plaintext decodes but is not a
	// JSON object.
	ErrTokenSchema = errors.New("token payload is not an object")
)

// Base64 variants keep the three segments free of the '-' separator.
var (
	b64Encode = strings.NewReplacer("+", ".", "/", "_", "=", "~")
	b64Decode = strings.NewReplacer(".", "+", "_", "/", "~", "=")
)

// Codec encrypts and authenticates small JSON payloads into URL-safe tokens.
// Tokens have the wire form <ivB64>-<ciphertextB64>-<hmacHex> where the HMAC
// covers the two base64 segments. The codec is stateless and side-effect free.
type Codec struct {
	cryptKey []byte // sha256 of the configured crypt secret
	hmacKey  []byte
	hashFn   func() hash.Hash
}

// NewCodec builds a codec from the security configuration. The configuration
// is assumed validated (key lengths, known hash) at boot.
func NewCodec(cfg config.SecurityConfig) (*Codec, error) {
	var fn func() hash.Hash
	switch cfg.Hash {
	case "sha1":
		fn = sha1.New
	case "sha256", "":
		fn = sha256.New
	case "sha512":
		fn = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", cfg.Hash)
	}

	key := sha256.Sum256([]byte(cfg.CryptKey))

	return &Codec{
		cryptKey: key[:],
		hmacKey:  []byte(cfg.HMACKey),
		hashFn:   fn,
	}, nil
}

// Encode serializes the payload to JSON, encrypts it with AES-256-CBC under
// a random IV and appends an HMAC over the encoded segments.
func (c *Codec) Encode(payload map[string]any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}

	block, err := aes.NewCipher(c.cryptKey)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ivB64 := b64Encode.Replace(base64.StdEncoding.EncodeToString(iv))
	ctB64 := b64Encode.Replace(base64.StdEncoding.EncodeToString(ciphertext))

	return ivB64 + "-" + ctB64 + "-" + c.sign(ivB64, ctB64), nil
}

// Decode verifies and decrypts a token produced by Encode. The error
// distinguishes structural garbage (ErrMalformedToken) from authenticated
// tampering (ErrTokenIntegrity); only the latter indicates abuse.
func (c *Codec) Decode(tok string) (map[string]any, error) {
	parts := strings.SplitN(tok, "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformedToken
	}
	ivB64, ctB64, macHex := parts[0], parts[1], parts[2]

	expected, err := hex.DecodeString(c.sign(ivB64, ctB64))
	if err != nil {
		return nil, fmt.Errorf("failed to compute hmac: %w", err)
	}
	supplied, err := hex.DecodeString(macHex)
	if err != nil {
		// Structure was present but the signature segment is forged junk.
		return nil, ErrTokenIntegrity
	}
	if !hmac.Equal(expected, supplied) {
		return nil, ErrTokenIntegrity
	}

	iv, err := base64.StdEncoding.DecodeString(b64Decode.Replace(ivB64))
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b64Decode.Replace(ctB64))
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(c.cryptKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil || len(plaintext) == 0 {
		return nil, ErrDecryptionFailed
	}

	var decoded any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return nil, ErrDecryptionFailed
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		return nil, ErrTokenSchema
	}

	return payload, nil
}

// TimestampValid reports whether the embedded "timestamp" claim is still
// within the validity window. The boundary now == timestamp+window is
// accepted. Payloads without a usable timestamp are rejected.
func TimestampValid(payload map[string]any, window time.Duration, now time.Time) bool {
	raw, ok := payload["timestamp"]
	if !ok {
		return false
	}

	var ts int64
	switch v := raw.(type) {
	case float64:
		ts = int64(v)
	case int64:
		ts = v
	case int:
		ts = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return false
		}
		ts = n
	default:
		return false
	}

	deadline := time.Unix(ts, 0).Add(window)
	return !now.After(deadline)
}

func (c *Codec) sign(ivB64, ctB64 string) string {
	mac := hmac.New(c.hashFn, c.hmacKey)
	mac.Write([]byte(ivB64))
	mac.Write([]byte(ctB64))
	return hex.EncodeToString(mac.Sum(nil))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
