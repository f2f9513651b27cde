// Package reconcile implements the node configuration reconciliation
// controller: the revisioned distribution of desired config to edge agents
// and the absorption of their heartbeats and apply results.
//
// Desired state advances through an append-only ConfigRevision ledger.
// Revision numbers per node are strictly increasing and never repeat: every
// assignment happens under a FOR UPDATE lock on the node row, with the
// (node_id, revision) unique index as the backstop if a writer slips through.
package reconcile

import (
	"errors"
	"strings"
	"time"

	"github.com/vesaa/openaerie/internal/events"
	"github.com/vesaa/openaerie/internal/fault"
	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutcomeSuccess is the apply-result outcome that marks a revision applied.
// Any other outcome is recorded verbatim and marks the revision failed.
const OutcomeSuccess = "success"

// Controller advances node state. All mutations run in one transaction each.
type Controller struct {
	db   *gorm.DB
	sink *events.Sink
}

// NewController creates a Controller.
func NewController(db *gorm.DB, sink *events.Sink) *Controller {
	return &Controller{db: db, sink: sink}
}

// CreateNodeParams carries the inputs for CreateNode.
type CreateNodeParams struct {
	ServerID             string
	NodeToken            string
	EngineAwg2Enabled    bool
	EngineSingboxEnabled bool
	DesiredConfig        models.JSONMap
	Actor                string
}

// CreateNode provisions a node bound 1:1 to a server and writes revision 1 of
// its config ledger in the same transaction.
func (c *Controller) CreateNode(p CreateNodeParams) (*models.Node, error) {
	var node models.Node
	err := c.db.Transaction(func(tx *gorm.DB) error {
		var server models.Server
		if err := tx.First(&server, "id = ?", p.ServerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("server_not_found")
			}
			return err
		}

		node = models.Node{
			ServerID:              p.ServerID,
			NodeToken:             p.NodeToken,
			EngineAwg2Enabled:     p.EngineAwg2Enabled,
			EngineSingboxEnabled:  p.EngineSingboxEnabled,
			DesiredConfigRevision: 1,
			AppliedConfigRevision: 0,
			DesiredConfig:         p.DesiredConfig,
			LastApplyStatus:       "pending",
			Status:                models.NodeStatusProvisioning,
		}
		if err := tx.Create(&node).Error; err != nil {
			if isDuplicate(err) {
				return fault.Conflict("server_already_bound").Wrap(err)
			}
			return err
		}

		revision := models.ConfigRevision{
			NodeID:   node.ID,
			Revision: node.DesiredConfigRevision,
			Config:   p.DesiredConfig,
			Status:   models.RevisionStatusDesired,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return err
		}

		c.sink.Audit(tx, p.Actor, "node.created", "node", node.ID,
			models.JSONMap{"server_id": node.ServerID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// SetDesiredConfig bumps the node's desired revision by one, overwrites the
// desired config blob, and appends the matching ledger row. The config is
// opaque here; schema validation belongs to the protocol profiles.
func (c *Controller) SetDesiredConfig(nodeID string, config models.JSONMap, actor string) (int, error) {
	var newRevision int
	err := c.db.Transaction(func(tx *gorm.DB) error {
		node, err := lockNode(tx, nodeID)
		if err != nil {
			return err
		}

		newRevision = node.DesiredConfigRevision + 1
		err = tx.Model(node).Updates(map[string]any{
			"desired_config_revision": newRevision,
			"desired_config":          config,
		}).Error
		if err != nil {
			return err
		}

		revision := models.ConfigRevision{
			NodeID:   node.ID,
			Revision: newRevision,
			Config:   config,
			Status:   models.RevisionStatusDesired,
		}
		if err := tx.Create(&revision).Error; err != nil {
			if isDuplicate(err) {
				return fault.Conflict("revision_conflict").Wrap(err)
			}
			return err
		}

		c.sink.Audit(tx, actor, "node.desired_config_updated", "node", node.ID,
			models.JSONMap{"desired_revision": newRevision})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newRevision, nil
}

// RollbackResult reports the outcome of a rollback request.
type RollbackResult struct {
	NewRevision  int `json:"desired_config_revision"`
	RolledBackTo int `json:"rolled_back_to"`
}

// Rollback appends a new revision whose config is copied verbatim from a
// historical one. History is never mutated; a rollback is itself a new ledger
// entry with status rolled_back and rolled_back_from set to the desired
// revision that was current before this call.
//
// When toRevision is nil the newest ledger entry is selected — which is the
// revision currently desired, so a no-target rollback self-copies the current
// config. That selection is deliberate and preserved as-is; pass an explicit
// revision to return to an earlier config.
func (c *Controller) Rollback(nodeID string, toRevision *int, actor string) (RollbackResult, error) {
	var result RollbackResult
	err := c.db.Transaction(func(tx *gorm.DB) error {
		node, err := lockNode(tx, nodeID)
		if err != nil {
			return err
		}

		query := tx.Where("node_id = ?", node.ID)
		if toRevision != nil {
			query = query.Where("revision = ?", *toRevision)
		}
		var target models.ConfigRevision
		if err := query.Order("revision desc").First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("revision_not_found")
			}
			return err
		}

		currentRevision := node.DesiredConfigRevision
		result.NewRevision = currentRevision + 1
		result.RolledBackTo = target.Revision

		err = tx.Model(node).Updates(map[string]any{
			"desired_config_revision": result.NewRevision,
			"desired_config":          target.Config,
		}).Error
		if err != nil {
			return err
		}

		rollback := models.ConfigRevision{
			NodeID:         node.ID,
			Revision:       result.NewRevision,
			Config:         target.Config,
			Status:         models.RevisionStatusRolledBack,
			RolledBackFrom: &currentRevision,
		}
		if err := tx.Create(&rollback).Error; err != nil {
			if isDuplicate(err) {
				return fault.Conflict("revision_conflict").Wrap(err)
			}
			return err
		}

		c.sink.Audit(tx, actor, "node.rollback_requested", "node", node.ID,
			models.JSONMap{"from": currentRevision, "to": target.Revision})
		return nil
	})
	if err != nil {
		return RollbackResult{}, err
	}
	return result, nil
}

// Heartbeat records an agent check-in: last_seen_at, reported engine
// versions, and status online unconditionally.
func (c *Controller) Heartbeat(nodeToken, awg2Version, singboxVersion string) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		node, err := nodeByToken(tx, nodeToken)
		if err != nil {
			return err
		}
		return tx.Model(node).Updates(map[string]any{
			"last_seen_at":           time.Now().UTC(),
			"engine_awg2_version":    awg2Version,
			"engine_singbox_version": singboxVersion,
			"status":                 models.NodeStatusOnline,
		}).Error
	})
}

// DesiredState is the agent-facing view of a node's desired configuration.
type DesiredState struct {
	NodeID                string         `json:"node_id"`
	DesiredConfigRevision int            `json:"desired_config_revision"`
	AppliedConfigRevision int            `json:"applied_config_revision"`
	EngineAwg2Enabled     bool           `json:"engine_awg2_enabled"`
	EngineSingboxEnabled  bool           `json:"engine_singbox_enabled"`
	DesiredConfig         models.JSONMap `json:"desired_config"`
}

// DesiredConfig returns the current desired state for the node owning token.
// Read-only; polled by agents.
func (c *Controller) DesiredConfig(nodeToken string) (*DesiredState, error) {
	node, err := nodeByToken(c.db, nodeToken)
	if err != nil {
		return nil, err
	}
	return &DesiredState{
		NodeID:                node.ID,
		DesiredConfigRevision: node.DesiredConfigRevision,
		AppliedConfigRevision: node.AppliedConfigRevision,
		EngineAwg2Enabled:     node.EngineAwg2Enabled,
		EngineSingboxEnabled:  node.EngineSingboxEnabled,
		DesiredConfig:         node.DesiredConfig,
	}, nil
}

// ApplyResult absorbs an agent's report that it applied (or failed to apply)
// a revision. Node fields are always updated; the matching ledger row, if the
// reported revision was ever issued, is stamped applied or failed. An unknown
// revision number is benign divergence: the node fields still record what the
// agent claims to be running.
func (c *Controller) ApplyResult(nodeToken string, appliedRevision int, outcome string, details models.JSONMap) error {
	var nodeID string
	err := c.db.Transaction(func(tx *gorm.DB) error {
		node, err := nodeByToken(tx, nodeToken)
		if err != nil {
			return err
		}
		nodeID = node.ID

		status := models.NodeStatusOnline
		if outcome != OutcomeSuccess {
			status = models.NodeStatusError
		}
		err = tx.Model(node).Updates(map[string]any{
			"applied_config_revision": appliedRevision,
			"last_apply_status":       outcome,
			"last_seen_at":            time.Now().UTC(),
			"status":                  status,
		}).Error
		if err != nil {
			return err
		}

		var revision models.ConfigRevision
		err = tx.Where("node_id = ? AND revision = ?", node.ID, appliedRevision).First(&revision).Error
		if err == nil {
			revStatus := models.RevisionStatusApplied
			if outcome != OutcomeSuccess {
				revStatus = models.RevisionStatusFailed
			}
			err = tx.Model(&revision).Updates(map[string]any{
				"status":     revStatus,
				"applied_at": time.Now().UTC(),
			}).Error
			if err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		c.sink.Audit(tx, "node-agent", "config.applied", "node", node.ID,
			models.JSONMap{"status": outcome, "revision": appliedRevision, "details": details})
		return nil
	})
	if err != nil {
		return err
	}

	c.sink.Emit(nil, "config.applied",
		models.JSONMap{"node_id": nodeID, "status": outcome, "revision": appliedRevision})
	return nil
}

// CheckOffline sweeps the fleet and flips nodes whose last heartbeat is older
// than threshold to offline, returning how many were marked. Nodes that have
// never reported are left alone: absence of any heartbeat is provisioning,
// not staleness. The caller (cron or admin) owns the schedule.
func (c *Controller) CheckOffline(threshold time.Duration, actor string) (int, error) {
	marked := 0
	err := c.db.Transaction(func(tx *gorm.DB) error {
		var nodes []models.Node
		if err := tx.Find(&nodes).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range nodes {
			node := &nodes[i]
			if node.LastSeenAt == nil {
				continue
			}
			stale := now.Sub(node.LastSeenAt.UTC())
			if stale <= threshold || node.Status == models.NodeStatusOffline {
				continue
			}
			err := tx.Model(node).Update("status", models.NodeStatusOffline).Error
			if err != nil {
				return err
			}
			marked++
			c.sink.Emit(tx, "node.offline",
				models.JSONMap{"node_id": node.ID, "last_seen_at": node.LastSeenAt.Format(time.RFC3339)})
			c.sink.Audit(tx, actor, "node.marked_offline", "node", node.ID,
				models.JSONMap{"seconds_since_seen": int(stale.Seconds())})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// ListNodes returns nodes for the admin API, most recently seen first,
// optionally filtered by status.
func (c *Controller) ListNodes(statusFilter string) ([]models.Node, error) {
	query := c.db.Model(&models.Node{})
	if statusFilter != "" {
		query = query.Where("status = ?", statusFilter)
	}
	var nodes []models.Node
	err := query.Order("last_seen_at desc").Find(&nodes).Error
	return nodes, err
}

// Revisions returns the full config ledger for a node, newest first.
func (c *Controller) Revisions(nodeID string) ([]models.ConfigRevision, error) {
	if _, err := lockFreeNode(c.db, nodeID); err != nil {
		return nil, err
	}
	var revisions []models.ConfigRevision
	err := c.db.Where("node_id = ?", nodeID).Order("revision desc").Find(&revisions).Error
	return revisions, err
}

// lockNode fetches the node row FOR UPDATE so revision assignment serializes.
func lockNode(tx *gorm.DB, nodeID string) (*models.Node, error) {
	var node models.Node
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&node, "id = ?", nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("node_not_found")
		}
		return nil, err
	}
	return &node, nil
}

func lockFreeNode(db *gorm.DB, nodeID string) (*models.Node, error) {
	var node models.Node
	err := db.First(&node, "id = ?", nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("node_not_found")
		}
		return nil, err
	}
	return &node, nil
}

func nodeByToken(db *gorm.DB, token string) (*models.Node, error) {
	var node models.Node
	err := db.First(&node, "node_token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("node_not_found")
		}
		return nil, err
	}
	return &node, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint")
}
