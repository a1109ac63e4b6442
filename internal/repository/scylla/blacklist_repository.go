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

// BlacklistRepository stores abuse entries in two partitions (by ip and by
// user) so the blocking decision can match either key. Entries carry a
// shared entry id so rows seen in both partitions count once.
type BlacklistRepository struct {
	client *ScyllaClient
}

func NewBlacklistRepository(client *ScyllaClient, logger *zap.Logger) *BlacklistRepository {
	return &BlacklistRepository{client: client}
}

func (r *BlacklistRepository) Insert(ctx context.Context, entry *models.BlacklistEntry) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.InsertBlacklistByIP.Statement(),
		entry.IP, entry.Timestamp, entry.ID, entry.UserID, entry.Severity, entry.Reason)
	if entry.UserID != "" {
		batch.Query(r.client.Prepared.InsertBlacklistByUser.Statement(),
			entry.UserID, entry.Timestamp, entry.ID, entry.IP, entry.Severity, entry.Reason)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to insert blacklist entry",
			zap.String("ip", entry.IP),
			zap.String("user_id", entry.UserID),
			zap.Int("severity", entry.Severity),
			zap.Error(err))
		return fmt.Errorf("failed to insert blacklist entry: %w", err)
	}

	return nil
}

// SeveritiesByIP returns entry id and severity for entries newer than since.
func (r *BlacklistRepository) SeveritiesByIP(ctx context.Context, ip string, since time.Time) (map[string]int, error) {
	return r.severities(r.client.Prepared.SelectBlacklistByIP.WithContext(ctx).Bind(ip, since))
}

// SeveritiesByUser returns entry id and severity for entries newer than since.
func (r *BlacklistRepository) SeveritiesByUser(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	return r.severities(r.client.Prepared.SelectBlacklistByUser.WithContext(ctx).Bind(userID, since))
}

func (r *BlacklistRepository) severities(query *gocql.Query) (map[string]int, error) {
	iter := query.Iter()

	result := make(map[string]int)
	var entryID string
	var severity int
	for iter.Scan(&entryID, &severity) {
		result[entryID] = severity
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to query blacklist entries: %w", err)
	}

	return result, nil
}

// PurgeBefore drops the retention-expired range for the touched partitions.
// Called opportunistically on every write.
func (r *BlacklistRepository) PurgeBefore(ctx context.Context, ip, userID string, cutoff time.Time) error {
	if err := r.client.Prepared.PurgeBlacklistByIP.WithContext(ctx).Bind(ip, cutoff).Exec(); err != nil {
		util.Warn("Failed to purge blacklist entries by ip",
			zap.String("ip", ip),
			zap.Error(err))
		return fmt.Errorf("failed to purge blacklist entries: %w", err)
	}

	if userID != "" {
		if err := r.client.Prepared.PurgeBlacklistByUser.WithContext(ctx).Bind(userID, cutoff).Exec(); err != nil {
			util.Warn("Failed to purge blacklist entries by user",
				zap.String("user_id", userID),
				zap.Error(err))
			return fmt.Errorf("failed to purge blacklist entries: %w", err)
		}
	}

	return nil
}
