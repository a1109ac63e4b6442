// Package service implements the credential and account operations built
// on top of the authentication core.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/auth"
	"authcore/internal/blacklist"
	"authcore/internal/hashing"
	"authcore/internal/repository/scylla"
	"authcore/internal/token"
	"authcore/internal/util"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords
	// alike; callers must not be able to distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidResetCode covers every way a reset code can be bad:
	// malformed, tampered, expired or for an unknown account.
	ErrInvalidResetCode = errors.New("invalid or expired reset code")
)

const resetActionPasswordReset = "password-reset"

// resetWindow is how long a password reset code stays redeemable.
const resetWindow = 24 * time.Hour

// AuthService ties user records, password hashing and the login state
// machine together.
type AuthService struct {
	users     scylla.UserRepository
	hasher    *hashing.Hasher
	core      *auth.Core
	blacklist *blacklist.Service
	codec     *token.Codec
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthService(
	users scylla.UserRepository,
	hasher *hashing.Hasher,
	core *auth.Core,
	blacklistSvc *blacklist.Service,
	codec *token.Codec,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		hasher:    hasher,
		core:      core,
		blacklist: blacklistSvc,
		codec:     codec,
		logger:    logger,
		now:       time.Now,
	}
}

// Login verifies the credentials and, on success, promotes the session to
// Authenticated. Every failed attempt scores the blacklist so repeated
// guessing from one address eventually trips the threshold.
func (s *AuthService) Login(ctx context.Context, externalID, username, password, ip string) (*auth.Principal, string, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up user: %w", err)
	}

	verified := false
	if user != nil {
		verified, err = s.hasher.Verify(password, user.PasswordHash)
		if err != nil {
			s.logger.Error("Password verification failed",
				util.String("username", username),
				util.ErrorField(err))
			verified = false
		}
	}

	if !verified {
		userID := ""
		if user != nil {
			userID = user.UserID
		}
		if err := s.blacklist.AddEntry(ctx, ip, userID, blacklist.ReasonLoginFailed, 1); err != nil {
			s.logger.Error("Failed to score login failure", util.ErrorField(err))
		}
		s.logger.Warn("Login rejected",
			util.String("username", username),
			util.String("ip", ip))
		return nil, "", ErrInvalidCredentials
	}

	principal := &auth.Principal{
		UserID:      user.UserID,
		Username:    user.Username,
		Email:       user.Email,
		Permissions: user.Permissions,
	}

	newExternalID, err := s.core.Login(ctx, externalID, principal)
	if err != nil {
		return nil, "", err
	}

	if err := s.users.UpdateLastLogin(ctx, username, s.now().UTC()); err != nil {
		s.logger.Warn("Failed to record last login",
			util.String("username", username),
			util.ErrorField(err))
	}

	return principal, newExternalID, nil
}

// ChangePassword requires the current password, stores the new hash and
// force-expires every session of the user so stolen cookies die with the
// old credential.
func (s *AuthService) ChangePassword(ctx context.Context, principal *auth.Principal, oldPassword, newPassword string) error {
	user, err := s.users.GetByUsername(ctx, principal.Username)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return ErrInvalidCredentials
	}

	verified, err := s.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil || !verified {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, user.Username, hash); err != nil {
		return fmt.Errorf("failed to store new password hash: %w", err)
	}

	if err := s.core.InvalidateSessions(ctx, user.UserID); err != nil {
		return err
	}

	s.logger.Info("Password changed", util.String("username", user.Username))
	return nil
}

// RequestPasswordReset issues a signed single-purpose reset code. Unknown
// usernames get the same nil result as known ones so the endpoint cannot
// be used to enumerate accounts. Delivery of the code is the caller's
// problem.
func (s *AuthService) RequestPasswordReset(ctx context.Context, username string) (string, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return "", nil
	}

	code, err := s.codec.Encode(map[string]any{
		"action":    resetActionPasswordReset,
		"user_id":   user.UserID,
		"username":  user.Username,
		"timestamp": s.now().Unix(),
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Password reset requested", util.String("username", username))
	return code, nil
}

// ResetPassword redeems a reset code. A code that fails the integrity
// check was actively tampered with and scores the blacklist hard; a
// merely malformed or stale one does not.
func (s *AuthService) ResetPassword(ctx context.Context, ip, code, newPassword string) error {
	payload, err := s.codec.Decode(code)
	if err != nil {
		if errors.Is(err, token.ErrTokenIntegrity) {
			if scoreErr := s.blacklist.AddEntry(ctx, ip, "", blacklist.ReasonHMACMismatch, 4); scoreErr != nil {
				s.logger.Error("Failed to score tampered reset code", util.ErrorField(scoreErr))
			}
			s.logger.Warn("Tampered reset code rejected", util.String("ip", ip))
		}
		return ErrInvalidResetCode
	}

	if action, _ := payload["action"].(string); action != resetActionPasswordReset {
		return ErrInvalidResetCode
	}
	if !token.TimestampValid(payload, resetWindow, s.now()) {
		return ErrInvalidResetCode
	}

	username, _ := payload["username"].(string)
	userID, _ := payload["user_id"].(string)
	if username == "" || userID == "" {
		return ErrInvalidResetCode
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil || user.UserID != userID {
		return ErrInvalidResetCode
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, user.Username, hash); err != nil {
		return fmt.Errorf("failed to store new password hash: %w", err)
	}

	if err := s.core.InvalidateSessions(ctx, user.UserID); err != nil {
		return err
	}

	s.logger.Info("Password reset completed", util.String("username", user.Username))
	return nil
}
