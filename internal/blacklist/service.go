// Package blacklist scores abuse signals per actor and decides blocking.
// The decision sums entry severities over a trailing trigger window for
// rows matching the actor's ip or user id and compares against a threshold.
// It is a soft rate-limiting signal, not an authorization boundary; races
// between a check and a concurrent insert are acceptable.
package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/models"
	"authcore/internal/securityevent"
	"authcore/internal/util"
)

// Well-known reasons used by the request gate and the auth service.
const (
	ReasonMissingCSRF  = "missing-csrf"
	ReasonHMACMismatch = "hmac-mismatch"
	ReasonLoginFailed  = "login-failed"
)

// Repository is the persistence contract for blacklist entries. Severities
// are keyed by entry id so rows matched by both ip and user count once.
type Repository interface {
	Insert(ctx context.Context, entry *models.BlacklistEntry) error
	SeveritiesByIP(ctx context.Context, ip string, since time.Time) (map[string]int, error)
	SeveritiesByUser(ctx context.Context, userID string, since time.Time) (map[string]int, error)
	PurgeBefore(ctx context.Context, ip, userID string, cutoff time.Time) error
}

type Service struct {
	cfg    config.BlacklistConfig
	repo   Repository
	events *securityevent.Dispatcher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(cfg config.BlacklistConfig, repo Repository, events *securityevent.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		repo:   repo,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// AddEntry records one abuse signal. Retention-expired rows for the touched
// partitions are purged opportunistically before the insert. The reason is
// caller-supplied context; severity defaults to 1.
func (s *Service) AddEntry(ctx context.Context, ip, userID, reason string, severity int) error {
	if severity <= 0 {
		severity = 1
	}

	now := s.now().UTC()

	// Best effort; a failed purge must not block recording the signal.
	if err := s.repo.PurgeBefore(ctx, ip, userID, now.Add(-s.cfg.StorePeriod)); err != nil {
		s.logger.Warn("Blacklist retention purge failed",
			util.String("ip", ip),
			util.ErrorField(err))
	}

	entry := &models.BlacklistEntry{
		ID:        uuid.New().String(),
		IP:        ip,
		UserID:    userID,
		Severity:  severity,
		Reason:    reason,
		Timestamp: now,
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to record blacklist entry: %w", err)
	}

	s.logger.Info("Blacklist entry recorded",
		util.String("ip", ip),
		util.String("user_id", userID),
		util.String("reason", reason),
		util.Int("severity", severity))

	if s.events != nil {
		s.events.Publish(ctx, "blacklist-entry", ip, userID, severity, reason)
	}

	return nil
}

// IsBlacklisted reports whether the actor's summed severity within the
// trigger window strictly exceeds the threshold. Always false when the
// blacklist is disabled by configuration.
func (s *Service) IsBlacklisted(ctx context.Context, ip, userID string) (bool, error) {
	if !s.cfg.Enabled {
		return false, nil
	}

	since := s.now().UTC().Add(-s.cfg.TriggerPeriod)

	severities, err := s.repo.SeveritiesByIP(ctx, ip, since)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate blacklist: %w", err)
	}

	if userID != "" {
		byUser, err := s.repo.SeveritiesByUser(ctx, userID, since)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate blacklist: %w", err)
		}
		for id, severity := range byUser {
			severities[id] = severity
		}
	}

	sum := 0
	for _, severity := range severities {
		sum += severity
	}

	blocked := sum > s.cfg.Threshold
	if blocked {
		s.logger.Warn("Actor is blacklisted",
			util.String("ip", ip),
			util.String("user_id", userID),
			util.Int("severity_sum", sum),
			util.Int("threshold", s.cfg.Threshold))
	}

	return blocked, nil
}
