// Package session owns the lifecycle of persisted login sessions: creation,
// idle timeout, throttled activity refresh, periodic identifier rotation and
// the rate-limited cleanup sweep.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/models"
	"authcore/internal/util"
)

// Repository is the persistence contract for session rows.
type Repository interface {
	Insert(ctx context.Context, session *models.Session) error
	GetByExternalID(ctx context.Context, externalID string) (*models.Session, error)
	Touch(ctx context.Context, session *models.Session, at time.Time) error
	Replace(ctx context.Context, oldExternalID string, session *models.Session) error
	Delete(ctx context.Context, session *models.Session) error
	DeleteAllForUser(ctx context.Context, userID string) error
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupLocker throttles the cleanup sweep across instances.
type CleanupLocker interface {
	AcquireCleanupLock(ctx context.Context, interval time.Duration) (bool, error)
}

type Store struct {
	cfg    config.AuthConfig
	repo   Repository
	locker CleanupLocker
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(cfg config.AuthConfig, repo Repository, locker CleanupLocker, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		repo:   repo,
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

// Create persists a fresh session bound to the external identifier.
func (s *Store) Create(ctx context.Context, userID, externalID string) (*models.Session, error) {
	now := s.now().UTC()

	session := &models.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ExternalID:   externalID,
		StartedAt:    now,
		LastActiveAt: now,
	}

	if err := s.repo.Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Get resolves the session row for an external identifier; nil when absent.
func (s *Store) Get(ctx context.Context, externalID string) (*models.Session, error) {
	return s.repo.GetByExternalID(ctx, externalID)
}

// Validate checks the idle timeout and, as documented side effects gated by
// time thresholds, refreshes last_active at most once per activity-refresh
// interval and rotates the external identifier after the rotation period
// (resetting started_at). On rotation the passed session is mutated so the
// caller can re-issue the cookie. An invalid session is NOT deleted here;
// the caller owns that.
func (s *Store) Validate(ctx context.Context, session *models.Session) (valid bool, rotated bool, err error) {
	now := s.now().UTC()

	if now.Sub(session.LastActiveAt) > s.cfg.SessionTimeout {
		return false, false, nil
	}

	touchDue := now.Sub(session.LastActiveAt) > s.cfg.ActivityRefresh
	rotateDue := now.Sub(session.StartedAt) > s.cfg.RotationPeriod

	if rotateDue {
		oldExternalID := session.ExternalID
		session.ExternalID = uuid.New().String()
		session.StartedAt = now
		session.LastActiveAt = now

		if err := s.repo.Replace(ctx, oldExternalID, session); err != nil {
			return false, false, fmt.Errorf("failed to rotate session: %w", err)
		}
		return true, true, nil
	}

	if touchDue {
		session.LastActiveAt = now
		if err := s.repo.Touch(ctx, session, now); err != nil {
			return false, false, fmt.Errorf("failed to refresh session activity: %w", err)
		}
	}

	return true, false, nil
}

// Delete removes one session row.
func (s *Store) Delete(ctx context.Context, session *models.Session) error {
	return s.repo.Delete(ctx, session)
}

// InvalidateAllForUser deletes every session row for the user, forcing
// re-authentication everywhere. Used on password change.
func (s *Store) InvalidateAllForUser(ctx context.Context, userID string) error {
	return s.repo.DeleteAllForUser(ctx, userID)
}

// Cleanup deletes idle-expired sessions. The sweep runs at most once per
// cleanup interval; the shared lock decides which instance runs it.
func (s *Store) Cleanup(ctx context.Context) error {
	acquired, err := s.locker.AcquireCleanupLock(ctx, s.cfg.CleanupInterval)
	if err != nil {
		// The sweep is opportunistic; a lock failure only delays it.
		s.logger.Warn("Skipping session cleanup, lock unavailable", util.ErrorField(err))
		return nil
	}
	if !acquired {
		return nil
	}

	cutoff := s.now().UTC().Add(-s.cfg.SessionTimeout)
	deleted, err := s.repo.DeleteIdleSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("session cleanup failed: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Expired sessions cleaned up",
			util.Int("deleted_count", deleted),
			zap.Time("cutoff", cutoff))
	}

	return nil
}
