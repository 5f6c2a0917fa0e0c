// Package registry is the durable account table behind the rotation core.
// It owns no selection logic; the scheduler and dispatcher read through it on
// every operation instead of holding a local copy.
package registry

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"gorm.io/gorm"
)

// ErrNotFound is returned when an account id does not exist.
var ErrNotFound = errors.New("account not found")

// Registry provides the narrow account contract the core depends on.
type Registry struct {
	db  *gorm.DB
	kv  *store.Store
	now func() time.Time
}

// New creates a registry over an already-migrated database.
func New(db *gorm.DB, kv *store.Store) *Registry {
	return &Registry{db: db, kv: kv, now: time.Now}
}

// Get returns one account by id.
func (r *Registry) Get(id string) (*models.Account, error) {
	var acc models.Account
	if err := r.db.First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// List returns every account in creation order. The ordering is deterministic
// across processes, which the rotation cursor arithmetic depends on.
func (r *Registry) List() ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.Order("created_at, id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListAvailable returns the accounts eligible for rotation, same ordering as List.
func (r *Registry) ListAvailable() ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.Where("available = ?", true).Order("created_at, id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Create inserts a new account, assigning an id when none is given.
func (r *Registry) Create(acc *models.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	acc.Available = true
	return r.db.Create(acc).Error
}

// Update applies the given field changes to one account.
func (r *Registry) Update(id string, fields map[string]interface{}) error {
	res := r.db.Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAvailability flips the health flag for one account. Disabling requires a
// non-empty reason; re-enabling clears reason and timestamp. The change is a
// single UPDATE guarded on the current flag, so concurrent readers never see a
// partial record and racing writers cannot overwrite the first recorded
// transition: an account already in the target state is left untouched.
func (r *Registry) SetAvailability(id string, available bool, reason string) error {
	fields := map[string]interface{}{
		"available":          available,
		"unavailable_reason": "",
		"unavailable_time":   nil,
	}
	if !available {
		if reason == "" {
			return fmt.Errorf("disabling account %s requires a reason", id)
		}
		now := r.now()
		fields["unavailable_reason"] = reason
		fields["unavailable_time"] = &now
	}

	res := r.db.Model(&models.Account{}).
		Where("id = ? AND available = ?", id, !available).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Missing account or already in the target state.
		var count int64
		if err := r.db.Model(&models.Account{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return nil
	}
	if !available {
		log.Printf("🚫 Account %s marked unavailable: %s", id, reason)
	}
	return nil
}

// Touch records that an account just served a request.
func (r *Registry) Touch(id string) {
	if err := r.db.Model(&models.Account{}).Where("id = ?", id).
		Update("last_used_at", r.now()).Error; err != nil {
		log.Printf("⚠️ Failed to touch account %s: %v", id, err)
	}
}

// Delete removes an account along with its cached credential, failure counter
// and session bindings.
func (r *Registry) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&models.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := r.kv.Delete(store.CredentialKey(id)); err != nil {
		log.Printf("⚠️ Failed to delete cached credential for %s: %v", id, err)
	}
	if err := r.kv.Delete(store.FailureKey(id)); err != nil {
		log.Printf("⚠️ Failed to delete failure counter for %s: %v", id, err)
	}
	if err := r.kv.DeletePrefix(store.SessionPrefix(id)); err != nil {
		log.Printf("⚠️ Failed to delete session bindings for %s: %v", id, err)
	}
	return nil
}
