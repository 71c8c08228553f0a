// Package apikeys issues and verifies the API keys that gate the REST and
// WebSocket surfaces. Keys are random, shown once at issue time, and stored
// only as Argon2id hashes.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidKey marks a key that failed verification for any reason.
var ErrInvalidKey = errors.New("invalid api key")

// Argon2id parameters.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// APIKey is one stored key. An account holds at most one active key;
// re-issuing replaces it.
type APIKey struct {
	ID        uint   `gorm:"primaryKey"`
	KeyID     string `gorm:"size:16;uniqueIndex"`
	AccountID string `gorm:"size:64;uniqueIndex"`
	Hash      string `gorm:"size:256"`
	CreatedAt time.Time
}

// TableName keeps the original table name.
func (APIKey) TableName() string { return "api_keys" }

// Store wraps the api_keys table.
type Store struct {
	db *gorm.DB
}

// NewStore migrates and returns the key store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&APIKey{}); err != nil {
		return nil, fmt.Errorf("migrate api_keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Issue creates (or replaces) the key for an account and returns the
// plaintext key. The plaintext is never stored and cannot be recovered.
func (s *Store) Issue(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}

	idBytes := make([]byte, 6)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	keyID := hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := hashSecret(secret)
	if err != nil {
		return "", err
	}

	row := APIKey{KeyID: keyID, AccountID: accountID, Hash: hash, CreatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}

	return keyID + "." + secret, nil
}

// Verify checks a plaintext key and returns the owning account id.
func (s *Store) Verify(ctx context.Context, plaintext string) (string, error) {
	keyID, secret, ok := strings.Cut(plaintext, ".")
	if !ok || keyID == "" || secret == "" {
		return "", ErrInvalidKey
	}

	var row APIKey
	err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("lookup api key: %w", err)
	}

	ok, err = verifySecret(secret, row.Hash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidKey
	}
	return row.AccountID, nil
}

// Revoke removes an account's key.
func (s *Store) Revoke(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&APIKey{}).Error
}

// hashSecret produces a PHC-encoded Argon2id hash with a fresh salt.
func hashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// verifySecret checks a secret against a PHC-encoded Argon2id hash.
func verifySecret(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed key hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed key hash version")
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("malformed key hash params")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed key hash salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed key hash sum")
	}

	got := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
