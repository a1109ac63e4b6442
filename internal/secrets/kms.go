// Package secrets resolves the HMAC and crypt keys at boot. With KMS
// enabled the environment carries ciphertexts instead of key material and
// the plaintext only ever lives in process memory.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/util"
)

// decryptAPI is the slice of the KMS client the resolver needs.
type decryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// ResolveSecurityKeys replaces the configured security keys with the
// decrypted KMS ciphertexts. A no-op when KMS is disabled; callers run
// config validation after this, so short or missing plaintexts still abort
// startup.
func ResolveSecurityKeys(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.KMS.Enabled {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	return resolveWith(ctx, kms.NewFromConfig(awsCfg), cfg, logger)
}

func resolveWith(ctx context.Context, client decryptAPI, cfg *config.Config, logger *zap.Logger) error {
	hmacKey, err := decrypt(ctx, client, cfg.KMS.KeyID, cfg.KMS.HMACKeyCiphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt HMAC key: %w", err)
	}
	cryptKey, err := decrypt(ctx, client, cfg.KMS.KeyID, cfg.KMS.CryptKeyCiphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt crypt key: %w", err)
	}

	cfg.Security.HMACKey = hmacKey
	cfg.Security.CryptKey = cryptKey

	logger.Info("Security keys resolved via KMS",
		util.String("key_id", cfg.KMS.KeyID))
	return nil
}

func decrypt(ctx context.Context, client decryptAPI, keyID, ciphertextB64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return "", err
	}

	return string(out.Plaintext), nil
}
