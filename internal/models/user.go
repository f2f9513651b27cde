package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserStatus represents the access state of a VPN user.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusBlocked UserStatus = "blocked"
	UserStatusExpired UserStatus = "expired"
	UserStatusDeleted UserStatus = "deleted"
)

// EvictionPolicy governs what happens when a user hits their device limit.
type EvictionPolicy string

const (
	EvictReject EvictionPolicy = "reject"
	EvictOldest EvictionPolicy = "evict_oldest"
)

// ValidEvictionPolicy reports whether p is a known policy value.
func ValidEvictionPolicy(p EvictionPolicy) bool {
	return p == EvictReject || p == EvictOldest
}

// User is a VPN subscriber with traffic and device limits.
//
// TrafficUsedBytes is a denormalized cumulative counter; the NodeUsage fact
// table is the source of truth for recomputation. TrafficLimitBytes and
// MaxDevices of 0 mean unlimited.
type User struct {
	ID                string `gorm:"primaryKey;size:36" json:"id"`
	UUID              string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	SubscriptionToken string `gorm:"uniqueIndex;size:128" json:"subscription_token"`

	Status            UserStatus `gorm:"size:32;default:'active'" json:"status"`
	TrafficLimitBytes int64      `gorm:"default:0" json:"traffic_limit_bytes"`
	TrafficUsedBytes  int64      `gorm:"default:0" json:"traffic_used_bytes"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`

	// No DB default: 0 must survive the insert (0 = unlimited). The admin
	// API applies the default of 1 when the field is omitted.
	MaxDevices     int            `json:"max_devices"`
	StrictBind     bool           `gorm:"default:false" json:"strict_bind"`
	EvictionPolicy EvictionPolicy `gorm:"size:32;default:'reject'" json:"device_eviction_policy"`

	SquadID   *string   `gorm:"index;size:36" json:"squad_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	if u.SubscriptionToken == "" {
		u.SubscriptionToken = uuid.NewString()
	}
	return nil
}

// Device is one client fingerprint bound to a user. Rows are deactivated on
// eviction or reset, never deleted, so several inactive rows may share a hash.
type Device struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"index;size:36;not null" json:"user_id"`
	DeviceHash  string    `gorm:"index;size:128;not null" json:"device_hash"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (d *Device) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// NodeUsage is one usage report: append-only, never mutated or deleted.
type NodeUsage struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	NodeID     string    `gorm:"index;size:36;not null" json:"node_id"`
	UserID     string    `gorm:"index;size:36;not null" json:"user_id"`
	BytesUsed  int64     `gorm:"not null" json:"bytes_used"`
	ReportedAt time.Time `json:"reported_at"`
}

func (u *NodeUsage) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
