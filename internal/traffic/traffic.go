// Package traffic implements usage ingestion and quota enforcement.
//
// Every report appends a NodeUsage fact row and bumps the user's cumulative
// counter. The counter is a denormalized cache; the fact table is the source
// of truth and Recompute rebuilds the counter from it.
//
// The over-limit check is level-triggered, not edge-triggered: once a user is
// past their limit, every further report re-sets blocked and re-emits
// traffic.limit_reached. Event consumers must treat it as at-least-once.
package traffic

import (
	"errors"
	"time"

	"github.com/vesaa/openaerie/internal/devices"
	"github.com/vesaa/openaerie/internal/events"
	"github.com/vesaa/openaerie/internal/fault"
	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Accountant ingests usage reports and enforces traffic quotas.
type Accountant struct {
	db       *gorm.DB
	registry *devices.Registry
	sink     *events.Sink
}

// NewAccountant creates an Accountant.
func NewAccountant(db *gorm.DB, registry *devices.Registry, sink *events.Sink) *Accountant {
	return &Accountant{db: db, registry: registry, sink: sink}
}

// ReportUsage ingests one usage report from a node agent.
//
// The device gate runs first: strict_bind users must supply a hash, and any
// supplied hash goes through the device registry — so a report can fail with
// conflict when a full reject-policy user presents a new device. A node that
// reports usage is implicitly alive, so its status flips to online.
func (a *Accountant) ReportUsage(nodeToken, userUUID string, bytesUsed int64, deviceHash string) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		var node models.Node
		err := tx.First(&node, "node_token = ?", nodeToken).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("node_not_found")
			}
			return err
		}

		var user models.User
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, "uuid = ?", userUUID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("user_not_found")
			}
			return err
		}

		if user.StrictBind && deviceHash == "" {
			return fault.BadRequest("device_hash_required")
		}
		if deviceHash != "" {
			if _, err := a.registry.RegisterTx(tx, &user, deviceHash); err != nil {
				return err
			}
		}

		usage := models.NodeUsage{
			NodeID:     node.ID,
			UserID:     user.ID,
			BytesUsed:  bytesUsed,
			ReportedAt: time.Now().UTC(),
		}
		if err := tx.Create(&usage).Error; err != nil {
			return err
		}

		used := user.TrafficUsedBytes + bytesUsed
		updates := map[string]any{"traffic_used_bytes": used}

		if user.TrafficLimitBytes > 0 && used >= user.TrafficLimitBytes {
			updates["status"] = models.UserStatusBlocked
			payload := models.JSONMap{
				"user_id": user.ID,
				"used":    used,
				"limit":   user.TrafficLimitBytes,
			}
			a.sink.Audit(tx, "system", "traffic.limit_reached", "user", user.ID, payload)
			a.sink.Emit(tx, "traffic.limit_reached", payload)
		}
		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Model(&node).Update("status", models.NodeStatusOnline).Error
	})
}

// ResetTraffic zeroes a user's cumulative counter. The fact table keeps the
// full history regardless.
func (a *Accountant) ResetTraffic(userID, actor string) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("user_not_found")
			}
			return err
		}
		if err := tx.Model(&user).Update("traffic_used_bytes", 0).Error; err != nil {
			return err
		}
		a.sink.Audit(tx, actor, "user.traffic_reset", "user", user.ID,
			models.JSONMap{"previous_used": user.TrafficUsedBytes})
		return nil
	})
}

// Recompute rebuilds the user's counter from the NodeUsage fact table and
// returns the recomputed total.
func (a *Accountant) Recompute(userID, actor string) (int64, error) {
	var total int64
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.NotFound("user_not_found")
			}
			return err
		}

		err = tx.Model(&models.NodeUsage{}).
			Where("user_id = ?", user.ID).
			Select("COALESCE(SUM(bytes_used), 0)").
			Scan(&total).Error
		if err != nil {
			return err
		}

		if err := tx.Model(&user).Update("traffic_used_bytes", total).Error; err != nil {
			return err
		}
		a.sink.Audit(tx, actor, "user.traffic_recomputed", "user", user.ID,
			models.JSONMap{"total": total})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
