// Package store owns Credential rows: encryption at rest, the
// (provider, auth_type, name) uniqueness invariant, and per-key
// linearizable access. No other component writes credentials directly.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrConflict means a different secret already exists under the
	// same (provider, auth_type, name) and overwrite was not set.
	ErrConflict = errors.New("credential already exists with different secret")
	// ErrNotFound means no credential is stored under the key.
	ErrNotFound = errors.New("credential not found")
)

// Store persists credentials in SQLite via gorm, sealing secret
// material before every write.
type Store struct {
	db     *gorm.DB
	sealer *sealer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a credential store. masterKey encrypts secret material
// at rest; an empty key is a startup error.
func New(db *gorm.DB, masterKey string) (*Store, error) {
	s, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		sealer: s,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the mutex guarding one (provider, auth_type, name)
// key. Unrelated credentials never contend.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Put upserts a credential. cred.Secret carries plaintext secret
// material and is sealed before write. Without overwrite, writing a
// different secret under an existing key returns ErrConflict; writing
// an identical secret is a no-op refresh of metadata.
func (s *Store) Put(cred *models.Credential, overwrite bool) error {
	if cred.Provider == "" || cred.AuthType == "" || cred.Name == "" {
		return fmt.Errorf("credential key incomplete: %q", cred.Key())
	}

	lock := s.keyLock(cred.Key())
	lock.Lock()
	defer lock.Unlock()

	sealed, err := s.sealer.seal(cred.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal secret for %s: %w", cred.Key(), err)
	}

	var existing models.Credential
	err = s.db.Where("provider = ? AND auth_type = ? AND name = ?",
		cred.Provider, cred.AuthType, cred.Name).First(&existing).Error
	switch {
	case err == nil:
		if !overwrite {
			existingPlain, openErr := s.sealer.open(existing.Secret)
			if openErr != nil || !bytes.Equal(existingPlain, cred.Secret) {
				return fmt.Errorf("%w: %s", ErrConflict, cred.Key())
			}
		}
		existing.Secret = sealed
		existing.ExpiresAt = cred.ExpiresAt
		existing.AccountMode = cred.AccountMode
		existing.Status = models.StatusActive
		existing.FailCount = 0
		if saveErr := s.db.Save(&existing).Error; saveErr != nil {
			return fmt.Errorf("failed to update credential %s: %w", cred.Key(), saveErr)
		}
		cred.ID = existing.ID
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if cred.ID == "" {
			cred.ID = uuid.New().String()
		}
		if cred.Status == "" {
			cred.Status = models.StatusActive
		}
		row := *cred
		row.Secret = sealed
		if createErr := s.db.Create(&row).Error; createErr != nil {
			return fmt.Errorf("failed to create credential %s: %w", cred.Key(), createErr)
		}
		return nil
	default:
		return fmt.Errorf("failed to query credential %s: %w", cred.Key(), err)
	}
}

// Get returns the credential with decrypted secret material, or
// ErrNotFound. Decrypted secrets never leave the gateway process.
func (s *Store) Get(provider, authType, name string) (*models.Credential, error) {
	lock := s.keyLock(provider + "/" + authType + "/" + name)
	lock.Lock()
	defer lock.Unlock()

	var cred models.Credential
	err := s.db.Where("provider = ? AND auth_type = ? AND name = ?",
		provider, authType, name).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, provider, authType, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	plain, err := s.sealer.open(cred.Secret)
	if err != nil {
		return nil, err
	}
	cred.Secret = plain
	return &cred, nil
}

// Delete removes a credential. Idempotent: deleting an absent key
// succeeds.
func (s *Store) Delete(provider, authType, name string) error {
	lock := s.keyLock(provider + "/" + authType + "/" + name)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.Where("provider = ? AND auth_type = ? AND name = ?",
		provider, authType, name).Delete(&models.Credential{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ListExpiringBefore returns OAuth credentials whose expiry falls
// before the cutoff, with decrypted secrets, for the refresh
// scheduler. Credentials already flagged needs_manual_reauth are
// excluded; they wait for an explicit re-login.
func (s *Store) ListExpiringBefore(cutoff time.Time) ([]*models.Credential, error) {
	var rows []models.Credential
	err := s.db.Where("auth_type = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?",
		"oauth", models.StatusActive, cutoff).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(rows))
	for i := range rows {
		plain, openErr := s.sealer.open(rows[i].Secret)
		if openErr != nil {
			// Undecryptable rows are skipped, not fatal: one corrupt
			// credential must not stall every other refresh.
			continue
		}
		rows[i].Secret = plain
		creds = append(creds, &rows[i])
	}
	return creds, nil
}

// RecordRefreshFailure bumps the consecutive failure counter and flags
// the credential needs_manual_reauth once maxFailures is reached. A
// maxFailures of zero counts without ever flagging. The credential is
// never deleted.
func (s *Store) RecordRefreshFailure(provider, authType, name string, maxFailures int) error {
	lock := s.keyLock(provider + "/" + authType + "/" + name)
	lock.Lock()
	defer lock.Unlock()

	var cred models.Credential
	err := s.db.Where("provider = ? AND auth_type = ? AND name = ?",
		provider, authType, name).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, provider, authType, name)
	}
	if err != nil {
		return fmt.Errorf("failed to query credential: %w", err)
	}

	cred.FailCount++
	if maxFailures > 0 && cred.FailCount >= maxFailures {
		cred.Status = models.StatusNeedsManualReauth
	}
	if err := s.db.Save(&cred).Error; err != nil {
		return fmt.Errorf("failed to record refresh failure: %w", err)
	}
	return nil
}

// RecordRefreshSuccess clears the failure counter and reactivates the
// credential.
func (s *Store) RecordRefreshSuccess(provider, authType, name string) error {
	err := s.db.Model(&models.Credential{}).
		Where("provider = ? AND auth_type = ? AND name = ?", provider, authType, name).
		Updates(map[string]interface{}{"fail_count": 0, "status": models.StatusActive}).Error
	if err != nil {
		return fmt.Errorf("failed to record refresh success: %w", err)
	}
	return nil
}
