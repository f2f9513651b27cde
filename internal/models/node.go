// Package models defines GORM data models for OpenAerie.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NodeStatus represents the connectivity state of an edge node.
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusOnline       NodeStatus = "online"
	NodeStatusOffline      NodeStatus = "offline"
	NodeStatusError        NodeStatus = "error"
)

// RevisionStatus represents the lifecycle state of a config revision.
type RevisionStatus string

const (
	RevisionStatusDesired    RevisionStatus = "desired"
	RevisionStatusApplied    RevisionStatus = "applied"
	RevisionStatusFailed     RevisionStatus = "failed"
	RevisionStatusRolledBack RevisionStatus = "rolled_back"
)

// SelectionPolicy governs how a squad picks a server for a user.
type SelectionPolicy string

const (
	SelectionRandom     SelectionPolicy = "random"
	SelectionWeighted   SelectionPolicy = "weighted"
	SelectionRoundRobin SelectionPolicy = "round-robin"
	SelectionGeo        SelectionPolicy = "geo"
)

// Squad is a named pool of servers sharing a selection policy.
type Squad struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	Name             string          `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description      string          `json:"description"`
	SelectionPolicy  SelectionPolicy `gorm:"size:32;default:'round-robin'" json:"selection_policy"`
	AllowedProtocols StringList      `gorm:"type:text" json:"allowed_protocols"`
	CreatedAt        time.Time       `json:"created_at"`
}

// BeforeCreate assigns a UUID primary key.
func (s *Squad) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Server is a physical or virtual host that a node runs on.
type Server struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Host      string    `gorm:"uniqueIndex;size:255;not null" json:"host"`
	IP        string    `gorm:"size:64" json:"ip"`
	Provider  string    `gorm:"size:128" json:"provider"`
	Region    string    `gorm:"size:128" json:"region"`
	SquadID   string    `gorm:"index;size:36" json:"squad_id"`
	Status    string    `gorm:"size:64;default:'active'" json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Node is the software agent instance bound 1:1 to a Server.
//
// NodeToken is the bearer credential agents authenticate with on the data
// plane. The operator chooses it at node creation and hands it to the agent
// out of band; it is never serialized into responses (json:"-").
//
// AppliedConfigRevision trails DesiredConfigRevision: agents apply
// asynchronously, so applied ≤ desired is eventual, not enforced.
type Node struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	ServerID  string `gorm:"uniqueIndex;size:36;not null" json:"server_id"`
	NodeToken string `gorm:"uniqueIndex;size:128;not null" json:"-"`

	EngineAwg2Enabled    bool   `gorm:"default:true" json:"engine_awg2_enabled"`
	EngineSingboxEnabled bool   `gorm:"default:true" json:"engine_singbox_enabled"`
	EngineAwg2Version    string `gorm:"size:64" json:"engine_awg2_version"`
	EngineSingboxVersion string `gorm:"size:64" json:"engine_singbox_version"`

	DesiredConfigRevision int     `gorm:"default:1" json:"desired_config_revision"`
	AppliedConfigRevision int     `gorm:"default:0" json:"applied_config_revision"`
	DesiredConfig         JSONMap `gorm:"type:text" json:"desired_config"`
	LastApplyStatus       string  `gorm:"size:64;default:'pending'" json:"last_apply_status"`

	LastSeenAt *time.Time `json:"last_seen_at"`
	Status     NodeStatus `gorm:"size:32;default:'provisioning'" json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (n *Node) BeforeCreate(*gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}

// ConfigRevision is one entry in a node's append-only desired-config ledger.
// Rows are immutable except for the single status/applied_at update made by
// the apply-result handler; they are never deleted.
//
// The composite unique index on (node_id, revision) is the backstop that
// turns a revision-numbering race into a constraint violation instead of a
// duplicate revision.
type ConfigRevision struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	NodeID         string         `gorm:"uniqueIndex:idx_node_revision;size:36;not null" json:"node_id"`
	Revision       int            `gorm:"uniqueIndex:idx_node_revision;not null" json:"revision"`
	Config         JSONMap        `gorm:"type:text" json:"config"`
	Status         RevisionStatus `gorm:"size:32;default:'desired'" json:"status"`
	RolledBackFrom *int           `json:"rolled_back_from,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty"`
}

func (r *ConfigRevision) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
