// Package store implements the durable key-value store the rotation core
// shares across processes: versioned keys, compare-and-swap writes and
// absolute expiry, all backed by a single sqlite table.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key layout for everything the rotation core persists.
const (
	RotationCursorKey = "rotation/cursor"

	credentialPrefix = "credentials/"
	sessionPrefix    = "sessions/"
	failurePrefix    = "failures/"
)

// CredentialKey names the cached credential entry for one account.
func CredentialKey(accountID string) string {
	return credentialPrefix + accountID
}

// SessionKey names the session binding for one (account, conversation) pair.
func SessionKey(accountID, conversationKey string) string {
	return sessionPrefix + accountID + "/" + conversationKey
}

// SessionPrefix covers every session binding owned by one account.
func SessionPrefix(accountID string) string {
	return sessionPrefix + accountID + "/"
}

// FailureKey names the consecutive dispatch failure counter for one account.
func FailureKey(accountID string) string {
	return failurePrefix + accountID
}

// Store wraps a gorm connection with versioned get/put/CAS semantics.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a store over an already-migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the value and version for key. Expired entries are treated as
// absent and removed lazily.
func (s *Store) Get(key string) (value string, version int64, ok bool, err error) {
	var entry models.KVEntry
	if err := s.db.First(&entry, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	if s.expired(&entry) {
		// Lazy cleanup, guarded on version so a concurrent rewrite survives.
		s.db.Where("key = ? AND version = ?", entry.Key, entry.Version).Delete(&models.KVEntry{})
		return "", 0, false, nil
	}
	return entry.Value, entry.Version, true, nil
}

// Put writes key unconditionally, bumping the version. A ttl of zero means the
// entry never expires. The write replaces the whole value in one statement, so
// readers never observe a partial update.
func (s *Store) Put(key, value string, ttl time.Duration) error {
	entry := models.KVEntry{
		Key:       key,
		Value:     value,
		Version:   1,
		ExpiresAt: s.expiry(ttl),
		UpdatedAt: s.now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      entry.Value,
			"version":    gorm.Expr("version + 1"),
			"expires_at": entry.ExpiresAt,
			"updated_at": entry.UpdatedAt,
		}),
	}).Create(&entry).Error
}

// CompareAndSwap writes key only if its current version equals
// expectedVersion. An expectedVersion of zero means the key must be absent
// (create-if-absent). Returns false when another writer got there first.
func (s *Store) CompareAndSwap(key, value string, expectedVersion int64, ttl time.Duration) (bool, error) {
	now := s.now()

	if expectedVersion == 0 {
		// Clear an expired leftover first so the create below can succeed.
		if err := s.db.Where("key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
			Delete(&models.KVEntry{}).Error; err != nil {
			return false, err
		}
		err := s.db.Create(&models.KVEntry{
			Key:       key,
			Value:     value,
			Version:   1,
			ExpiresAt: s.expiry(ttl),
			UpdatedAt: now,
		}).Error
		if err != nil {
			if isDuplicateKey(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	res := s.db.Model(&models.KVEntry{}).
		Where("key = ? AND version = ?", key, expectedVersion).
		Updates(map[string]interface{}{
			"value":      value,
			"version":    expectedVersion + 1,
			"expires_at": s.expiry(ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Where("key = ?", key).Delete(&models.KVEntry{}).Error
}

// DeletePrefix removes every key under prefix.
func (s *Store) DeletePrefix(prefix string) error {
	return s.db.Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").Delete(&models.KVEntry{}).Error
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

func (s *Store) expired(entry *models.KVEntry) bool {
	return entry.ExpiresAt != nil && !entry.ExpiresAt.After(s.now())
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver reports constraint violations as plain errors.
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
