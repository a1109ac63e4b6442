package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/util"
)

const (
	requestStatePrefix = "request_state:"
	cleanupLockKey     = "session_cleanup_lock"
)

// ErrStateNotFound is returned when no server-side state exists for a
// session identifier.
var ErrStateNotFound = errors.New("request state not found")

// StateCache holds the server-side session state keyed by the external
// session identifier: the opaque auth payload, the CSRF secret and any
// pending user-visible message.
type StateCache struct {
	client *client.RedisClient
}

func NewStateCache(client *client.RedisClient) *StateCache {
	return &StateCache{client: client}
}

func (c *StateCache) Set(ctx context.Context, externalID string, state map[string]any, ttl time.Duration) error {
	key := requestStatePrefix + externalID

	jsonData, err := json.Marshal(state)
	if err != nil {
		util.Error("Failed to marshal request state",
			zap.String("external_id", externalID),
			zap.Error(err))
		return fmt.Errorf("failed to marshal request state: %w", err)
	}

	if err := c.client.Set(ctx, key, string(jsonData), ttl); err != nil {
		util.Error("Failed to set request state",
			zap.String("external_id", externalID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set request state: %w", err)
	}

	return nil
}

func (c *StateCache) Get(ctx context.Context, externalID string) (map[string]any, error) {
	key := requestStatePrefix + externalID

	jsonData, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrStateNotFound
		}
		util.Error("Failed to get request state",
			zap.String("external_id", externalID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get request state: %w", err)
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(jsonData), &state); err != nil {
		util.Error("Failed to unmarshal request state",
			zap.String("external_id", externalID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal request state: %w", err)
	}

	return state, nil
}

func (c *StateCache) Delete(ctx context.Context, externalID string) error {
	key := requestStatePrefix + externalID

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to delete request state",
			zap.String("external_id", externalID),
			zap.Error(err))
		return fmt.Errorf("failed to delete request state: %w", err)
	}

	return nil
}

// UpdateField rewrites one field of the state, creating the state when absent.
func (c *StateCache) UpdateField(ctx context.Context, externalID, field string, value any, ttl time.Duration) error {
	state, err := c.Get(ctx, externalID)
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			return err
		}
		state = make(map[string]any)
	}

	state[field] = value
	return c.Set(ctx, externalID, state, ttl)
}

func (c *StateCache) DeleteField(ctx context.Context, externalID, field string, ttl time.Duration) error {
	state, err := c.Get(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	delete(state, field)
	return c.Set(ctx, externalID, state, ttl)
}

// AcquireCleanupLock rate-limits the expired-session sweep across instances.
// It returns true for the single caller allowed to run the sweep during the
// interval.
func (c *StateCache) AcquireCleanupLock(ctx context.Context, interval time.Duration) (bool, error) {
	acquired, err := c.client.SetNX(ctx, cleanupLockKey, "locked", interval)
	if err != nil {
		util.Error("Failed to acquire cleanup lock", zap.Error(err))
		return false, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}

	if acquired {
		util.Debug("Cleanup lock acquired", zap.Duration("interval", interval))
	}

	return acquired, nil
}
