// Package devices implements the per-user device binding registry.
//
// A user owns a bounded set of active device fingerprints. Registration is
// idempotent for an already-active hash; past the limit, behavior follows the
// user's eviction policy. Rows are only ever deactivated, never deleted, so
// the history of evicted bindings survives.
package devices

import (
	"errors"
	"time"

	"github.com/vesaa/openaerie/internal/fault"
	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry owns all mutation of Device rows. Nothing outside this package
// toggles is_active.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a Registry on the given handle.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Register binds deviceHash to the user, running its own transaction.
func (r *Registry) Register(userID, deviceHash string) (*models.Device, error) {
	var device *models.Device
	err := r.db.Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		device, err = r.RegisterTx(tx, user, deviceHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// RegisterTx performs registration on the caller's transaction. The caller
// must hold the user row lock (see lockUser) so that concurrent registrations
// for the same user serialize around the limit check.
//
// An active device with the same hash is treated as re-seen: last_seen_at is
// touched and the existing row returned. Otherwise a fresh row is always
// created — deactivated rows are never revived, even on a hash match.
func (r *Registry) RegisterTx(tx *gorm.DB, user *models.User, deviceHash string) (*models.Device, error) {
	now := time.Now().UTC()

	var existing models.Device
	err := tx.Where("user_id = ? AND device_hash = ? AND is_active = ?", user.ID, deviceHash, true).
		First(&existing).Error
	if err == nil {
		existing.LastSeenAt = now
		if err := tx.Model(&existing).Update("last_seen_at", now).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var active []models.Device
	err = tx.Where("user_id = ? AND is_active = ?", user.ID, true).
		Order("first_seen_at asc, id asc").Find(&active).Error
	if err != nil {
		return nil, err
	}

	if user.MaxDevices > 0 && len(active) >= user.MaxDevices {
		if user.EvictionPolicy == models.EvictReject {
			return nil, fault.Conflict("max_devices_reached")
		}
		// evict_oldest: deactivate the binding with the smallest first_seen_at
		oldest := active[0]
		if err := tx.Model(&oldest).Update("is_active", false).Error; err != nil {
			return nil, err
		}
	}

	device := models.Device{
		UserID:      user.ID,
		DeviceHash:  deviceHash,
		IsActive:    true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := tx.Create(&device).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// Reset deactivates every active device for the user and returns the count.
// Idempotent: a second call returns 0.
func (r *Registry) Reset(userID string) (int, error) {
	var count int
	err := r.db.Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		result := tx.Model(&models.Device{}).
			Where("user_id = ? AND is_active = ?", user.ID, true).
			Update("is_active", false)
		if result.Error != nil {
			return result.Error
		}
		count = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListForUser returns all device rows for a user, most recently seen first.
func (r *Registry) ListForUser(userID string) ([]models.Device, error) {
	var user models.User
	if err := r.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("user_not_found")
		}
		return nil, err
	}
	var out []models.Device
	err := r.db.Where("user_id = ?", userID).Order("last_seen_at desc").Find(&out).Error
	return out, err
}

// lockUser fetches the user row FOR UPDATE so device-limit checks serialize.
func lockUser(tx *gorm.DB, userID string) (*models.User, error) {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("user_not_found")
		}
		return nil, err
	}
	return &user, nil
}
