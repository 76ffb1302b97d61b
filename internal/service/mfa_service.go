package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/encryption"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
)

// Unambiguous uppercase alphabet; 32 symbols so byte%32 is unbiased.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	backupCodeLength = 8
	qrCodeSize       = 200
)

type MFAService struct {
	cache     *redisrepo.MFACache
	encryptor *encryption.EncryptionManager
	cfg       config.AuthConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewMFAService(cfg *config.Config, cache *redisrepo.MFACache, encryptor *encryption.EncryptionManager, logger *zap.Logger) *MFAService {
	return &MFAService{
		cache:     cache,
		encryptor: encryptor,
		cfg:       cfg.Auth,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MFAService) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// SetupMFA starts enrolment. MFA stays disabled until VerifyMFASetup succeeds.
func (s *MFAService) SetupMFA(ctx context.Context, userID, email string) (*models.MFASetup, error) {
	if userID == "" || email == "" {
		return nil, fmt.Errorf("%w: user id and email required", models.ErrValidation)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.MFAIssuer,
		AccountName: email,
		Period:      30,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	qr, err := renderQRCode(key)
	if err != nil {
		return nil, err
	}

	count := s.cfg.BackupCodeCount
	if count <= 0 {
		count = 10
	}
	codes, err := generateBackupCodes(count)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.EncryptString(ctx, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt mfa secret: %w", err)
	}

	if err := s.cache.StartSetup(ctx, userID, encrypted, s.ttl(s.cfg.MFASetupTTL, 10*time.Minute), codes, s.ttl(s.cfg.BackupCodeTTL, 30*24*time.Hour)); err != nil {
		return nil, err
	}

	s.logger.Info("mfa setup started", zap.String("user_id", userID))
	return &models.MFASetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
		BackupCodes:     codes,
	}, nil
}

// VerifyMFASetup promotes the pending secret when token is valid against it.
// Only one caller can win the promotion.
func (s *MFAService) VerifyMFASetup(ctx context.Context, userID, token string) (bool, error) {
	encrypted, err := s.cache.PendingSecret(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ok, err := s.validate(ctx, encrypted, token)
	if err != nil || !ok {
		return false, err
	}

	if err := s.cache.Promote(ctx, userID, encrypted, s.ttl(s.cfg.MFASecretTTL, 365*24*time.Hour)); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	s.logger.Info("mfa enabled", zap.String("user_id", userID))
	return true, nil
}

// VerifyMFAToken checks a TOTP code, then falls back to a single-use backup code.
func (s *MFAService) VerifyMFAToken(ctx context.Context, userID, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}

	encrypted, err := s.cache.Secret(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ok, err := s.validate(ctx, encrypted, token)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	used, err := s.cache.ConsumeBackupCode(ctx, userID, token)
	if err != nil {
		return false, err
	}
	if used {
		s.logger.Info("mfa backup code used", zap.String("user_id", userID))
	}
	return used, nil
}

// DisableMFA is idempotent.
func (s *MFAService) DisableMFA(ctx context.Context, userID string) error {
	if err := s.cache.Clear(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("mfa disabled", zap.String("user_id", userID))
	return nil
}

func (s *MFAService) Status(ctx context.Context, userID string) (models.MFAStatus, error) {
	return s.cache.Status(ctx, userID)
}

func (s *MFAService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	status, err := s.cache.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return status == models.MFAEnabled, nil
}

func (s *MFAService) validate(ctx context.Context, encrypted, token string) (bool, error) {
	secret, err := s.encryptor.DecryptString(ctx, encrypted)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt mfa secret: %w", err)
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(token), secret, s.now(), s.validateOpts())
	if err != nil {
		// malformed passcodes are just wrong codes
		return false, nil
	}
	return ok, nil
}

func (s *MFAService) ttl(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func renderQRCode(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, backupCodeLength)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j, b := range buf {
			code[j] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
		}
		codes[i] = string(code)
	}
	return codes, nil
}
