package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authcore/internal/models"
	"authcore/internal/util"
)

// SessionRepository persists login sessions across the dual session tables.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{client: client}
}

func (r *SessionRepository) Insert(ctx context.Context, session *models.Session) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.InsertSessionByExternalID.Statement(),
		session.ExternalID, session.ID, session.UserID, session.StartedAt, session.LastActiveAt)
	batch.Query(r.client.Prepared.InsertSessionByUser.Statement(),
		session.UserID, session.ExternalID, session.ID, session.StartedAt, session.LastActiveAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to insert session",
			zap.String("user_id", session.UserID),
			zap.String("external_id", session.ExternalID),
			zap.Error(err))
		return fmt.Errorf("failed to insert session: %w", err)
	}

	util.Info("Session created",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID))

	return nil
}

func (r *SessionRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Session, error) {
	session := &models.Session{}

	query := r.client.Prepared.GetSessionByExternalID.WithContext(ctx).Bind(externalID)
	err := query.Scan(&session.ExternalID, &session.ID, &session.UserID,
		&session.StartedAt, &session.LastActiveAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get session",
			zap.String("external_id", externalID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// Touch refreshes last_active on both tables.
func (r *SessionRepository) Touch(ctx context.Context, session *models.Session, at time.Time) error {
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.TouchSessionByExternalID.Statement(), at, session.ExternalID)
	batch.Query(r.client.Prepared.TouchSessionByUser.Statement(), at, session.UserID, session.ExternalID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to touch session",
			zap.String("external_id", session.ExternalID),
			zap.Error(err))
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Replace atomically swaps a session's external identifier: the old rows are
// removed and rows under the new identifier inserted in one logged batch.
// Used for rotation.
func (r *SessionRepository) Replace(ctx context.Context, oldExternalID string, session *models.Session) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeleteSessionByExternalID.Statement(), oldExternalID)
	batch.Query(r.client.Prepared.DeleteSessionByUser.Statement(), session.UserID, oldExternalID)
	batch.Query(r.client.Prepared.InsertSessionByExternalID.Statement(),
		session.ExternalID, session.ID, session.UserID, session.StartedAt, session.LastActiveAt)
	batch.Query(r.client.Prepared.InsertSessionByUser.Statement(),
		session.UserID, session.ExternalID, session.ID, session.StartedAt, session.LastActiveAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to rotate session identifier",
			zap.String("old_external_id", oldExternalID),
			zap.String("new_external_id", session.ExternalID),
			zap.Error(err))
		return fmt.Errorf("failed to rotate session identifier: %w", err)
	}

	util.Info("Session identifier rotated",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID))

	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, session *models.Session) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeleteSessionByExternalID.Statement(), session.ExternalID)
	batch.Query(r.client.Prepared.DeleteSessionByUser.Statement(), session.UserID, session.ExternalID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete session",
			zap.String("external_id", session.ExternalID),
			zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}

	util.Info("Session deleted",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID))

	return nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	var sessions []*models.Session

	iter := r.client.Prepared.ListSessionsByUser.WithContext(ctx).Bind(userID).Iter()

	var s models.Session
	for iter.Scan(&s.UserID, &s.ExternalID, &s.ID, &s.StartedAt, &s.LastActiveAt) {
		copied := s
		sessions = append(sessions, &copied)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list user sessions",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	return sessions, nil
}

// DeleteAllForUser removes every session row for the user from both tables.
func (r *SessionRepository) DeleteAllForUser(ctx context.Context, userID string) error {
	sessions, err := r.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, s := range sessions {
		batch.Query(r.client.Prepared.DeleteSessionByExternalID.Statement(), s.ExternalID)
		batch.Query(r.client.Prepared.DeleteSessionByUser.Statement(), userID, s.ExternalID)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete all sessions for user",
			zap.String("user_id", userID),
			zap.Int("session_count", len(sessions)),
			zap.Error(err))
		return fmt.Errorf("failed to delete all sessions for user: %w", err)
	}

	util.Info("All sessions invalidated for user",
		zap.String("user_id", userID),
		zap.Int("session_count", len(sessions)))

	return nil
}

// DeleteIdleSince removes sessions whose last_active predates the cutoff.
// The scan is a filtering query; it only runs inside the throttled cleanup.
func (r *SessionRepository) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Session.Query(`
		SELECT external_id, user_id FROM sessions_by_external_id
		WHERE last_active < ? ALLOW FILTERING`, cutoff).WithContext(ctx).Iter()

	type sessionKey struct {
		ExternalID string
		UserID     string
	}

	var stale []sessionKey
	var externalID, userID string
	for iter.Scan(&externalID, &userID) {
		stale = append(stale, sessionKey{ExternalID: externalID, UserID: userID})
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan idle sessions: %w", err)
	}

	deleted := 0
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batchSize := 0

	for _, key := range stale {
		batch.Query(r.client.Prepared.DeleteSessionByExternalID.Statement(), key.ExternalID)
		batch.Query(r.client.Prepared.DeleteSessionByUser.Statement(), key.UserID, key.ExternalID)
		batchSize += 2

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for idle sessions", zap.Error(err))
				return deleted, fmt.Errorf("failed to cleanup idle sessions: %w", err)
			}
			deleted += batchSize / 2
			batch = r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for idle sessions", zap.Error(err))
			return deleted, fmt.Errorf("failed to cleanup idle sessions: %w", err)
		}
		deleted += batchSize / 2
	}

	return deleted, nil
}
