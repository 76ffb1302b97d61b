package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/util"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

const passwordContext = "password"

// Trivial values rejected regardless of length.
var blockedPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"iloveyou":    {},
	"letmein1":    {},
	"admin123":    {},
	"welcome1":    {},
	"11111111":    {},
	"abc12345":    {},
}

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Hasher struct {
	params    Argon2Params
	pepper    string
	minLength int
	dummyHash string
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	h := &Hasher{
		params:    params,
		pepper:    cfg.Hashing.Pepper,
		minLength: cfg.Hashing.MinPasswordLength,
	}
	if h.minLength <= 0 {
		h.minLength = 8
	}

	dummy, err := h.hash("dummy-password-for-timing")
	if err != nil {
		util.Fatal("Failed to compute dummy hash", zap.Error(err))
	}
	h.dummyHash = dummy

	return h
}

// ValidatePassword enforces the minimum strength policy.
func (h *Hasher) ValidatePassword(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < h.minLength {
		return fmt.Errorf("%w: must be at least %d characters", models.ErrWeakPassword, h.minLength)
	}
	if _, blocked := blockedPasswords[strings.ToLower(plaintext)]; blocked {
		return fmt.Errorf("%w: password is too common", models.ErrWeakPassword)
	}
	return nil
}

// HashPassword returns an argon2id PHC string with a fresh random salt.
func (h *Hasher) HashPassword(plaintext string) (string, error) {
	if err := h.ValidatePassword(plaintext); err != nil {
		return "", err
	}
	return h.hash(plaintext)
}

func (h *Hasher) hash(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(plaintext+h.pepper+passwordContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword compares in constant time. Malformed hashes never match.
func (h *Hasher) VerifyPassword(plaintext, encoded string) bool {
	ok, err := h.verify(plaintext, encoded)
	if err != nil {
		util.Warn("password hash could not be verified", zap.Error(err))
		return false
	}
	return ok
}

// VerifyPasswordOrDummy spends the same work when no stored hash exists,
// so unknown accounts and wrong passwords are indistinguishable by timing.
func (h *Hasher) VerifyPasswordOrDummy(plaintext, encoded string) bool {
	if encoded == "" {
		_, _ = h.verify(plaintext, h.dummyHash)
		return false
	}
	return h.VerifyPassword(plaintext, encoded)
}

func (h *Hasher) verify(plaintext, encoded string) (bool, error) {
	params, salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(plaintext+h.pepper+passwordContext),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func decodeHash(encoded string) (*Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, nil, nil, ErrIncompatibleVersion
	}

	p := &Argon2Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return nil, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))

	return p, salt, key, nil
}
