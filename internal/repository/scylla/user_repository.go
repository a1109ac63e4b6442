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

// UserRepository is the minimal account lookup the login flow needs. The
// full user aggregate is owned by another service.
type UserRepository interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdatePasswordHash(ctx context.Context, username, hash string) error
	UpdateLastLogin(ctx context.Context, username string, at time.Time) error
}

type userRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient, logger *zap.Logger) UserRepository {
	return &userRepository{client: client}
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}

	query := r.client.Prepared.GetUserByUsername.WithContext(ctx).Bind(username)
	err := query.Scan(&user.UserID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Permissions, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get user by username",
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return user, nil
}

func (r *userRepository) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	if err := r.client.Prepared.UpdateUserPassword.WithContext(ctx).Bind(hash, username).Exec(); err != nil {
		util.Error("Failed to update password hash",
			zap.String("username", username),
			zap.Error(err))
		return fmt.Errorf("failed to update password hash: %w", err)
	}

	util.Info("Password hash updated", zap.String("username", username))
	return nil
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	if err := r.client.Prepared.UpdateUserLogin.WithContext(ctx).Bind(at, username).Exec(); err != nil {
		util.Error("Failed to update last login",
			zap.String("username", username),
			zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}
