package reconcile_test

import (
	"testing"
	"time"

	"github.com/vesaa/openaerie/internal/events"
	"github.com/vesaa/openaerie/internal/fault"
	"github.com/vesaa/openaerie/internal/models"
	"github.com/vesaa/openaerie/internal/reconcile"
	"github.com/vesaa/openaerie/internal/store"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*reconcile.Controller, *gorm.DB) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	sink := events.NewSink(st.DB, time.Second)
	return reconcile.NewController(st.DB, sink), st.DB
}

func seedServer(t *testing.T, db *gorm.DB, token string) *models.Server {
	t.Helper()
	squad := models.Squad{Name: "squad-" + token, SelectionPolicy: models.SelectionRoundRobin}
	if err := db.Create(&squad).Error; err != nil {
		t.Fatalf("creating squad: %v", err)
	}
	server := models.Server{Host: "host-" + token, SquadID: squad.ID, Status: "active"}
	if err := db.Create(&server).Error; err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return &server
}

func seedNode(t *testing.T, c *reconcile.Controller, db *gorm.DB, token string) *models.Node {
	t.Helper()
	server := seedServer(t, db, token)
	node, err := c.CreateNode(reconcile.CreateNodeParams{
		ServerID:             server.ID,
		NodeToken:            token,
		EngineAwg2Enabled:    true,
		EngineSingboxEnabled: true,
		DesiredConfig:        models.JSONMap{"mtu": float64(1420)},
	})
	if err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	return node
}

func TestCreateNode(t *testing.T) {
	t.Run("creates node with first revision in one step", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-create")

		if node.DesiredConfigRevision != 1 {
			t.Errorf("desired revision = %d, want 1", node.DesiredConfigRevision)
		}
		if node.AppliedConfigRevision != 0 {
			t.Errorf("applied revision = %d, want 0", node.AppliedConfigRevision)
		}
		if node.Status != models.NodeStatusProvisioning {
			t.Errorf("status = %q, want provisioning", node.Status)
		}

		var revisions []models.ConfigRevision
		if err := db.Where("node_id = ?", node.ID).Find(&revisions).Error; err != nil {
			t.Fatalf("loading revisions: %v", err)
		}
		if len(revisions) != 1 {
			t.Fatalf("got %d revisions, want 1", len(revisions))
		}
		if revisions[0].Revision != 1 || revisions[0].Status != models.RevisionStatusDesired {
			t.Errorf("revision = %+v, want revision 1 desired", revisions[0])
		}
	})

	t.Run("missing server fails with not found", func(t *testing.T) {
		c, _ := setup(t)
		_, err := c.CreateNode(reconcile.CreateNodeParams{
			ServerID:  "no-such-server",
			NodeToken: "tok",
		})
		assertFault(t, err, fault.ClassNotFound, "server_not_found")
	})

	t.Run("second node on same server conflicts", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-first")

		_, err := c.CreateNode(reconcile.CreateNodeParams{
			ServerID:  node.ServerID,
			NodeToken: "tok-second",
		})
		assertFault(t, err, fault.ClassConflict, "server_already_bound")
	})
}

func TestSetDesiredConfig(t *testing.T) {
	t.Run("n updates leave 1+n consecutive revisions", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-set")

		const n = 4
		for i := 0; i < n; i++ {
			rev, err := c.SetDesiredConfig(node.ID, models.JSONMap{"step": float64(i)}, "admin")
			if err != nil {
				t.Fatalf("SetDesiredConfig() error = %v", err)
			}
			if rev != 2+i {
				t.Errorf("revision = %d, want %d", rev, 2+i)
			}
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if reloaded.DesiredConfigRevision != 1+n {
			t.Errorf("desired revision = %d, want %d", reloaded.DesiredConfigRevision, 1+n)
		}
		if got := reloaded.DesiredConfig["step"]; got != float64(n-1) {
			t.Errorf("desired config step = %v, want %v", got, float64(n-1))
		}

		var revisions []models.ConfigRevision
		err := db.Where("node_id = ?", node.ID).Order("revision asc").Find(&revisions).Error
		if err != nil {
			t.Fatalf("loading revisions: %v", err)
		}
		if len(revisions) != 1+n {
			t.Fatalf("got %d revisions, want %d", len(revisions), 1+n)
		}
		for i, rev := range revisions {
			if rev.Revision != i+1 {
				t.Errorf("revisions[%d].Revision = %d, want %d", i, rev.Revision, i+1)
			}
		}
	})

	t.Run("unknown node fails with not found", func(t *testing.T) {
		c, _ := setup(t)
		_, err := c.SetDesiredConfig("no-such-node", models.JSONMap{}, "admin")
		assertFault(t, err, fault.ClassNotFound, "node_not_found")
	})
}

func TestRollback(t *testing.T) {
	t.Run("explicit target copies its config and records origin", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-rb")

		if _, err := c.SetDesiredConfig(node.ID, models.JSONMap{"v": float64(2)}, "admin"); err != nil {
			t.Fatalf("SetDesiredConfig() error = %v", err)
		}
		if _, err := c.SetDesiredConfig(node.ID, models.JSONMap{"v": float64(3)}, "admin"); err != nil {
			t.Fatalf("SetDesiredConfig() error = %v", err)
		}

		target := 1
		result, err := c.Rollback(node.ID, &target, "admin")
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if result.NewRevision != 4 {
			t.Errorf("new revision = %d, want 4", result.NewRevision)
		}
		if result.RolledBackTo != 1 {
			t.Errorf("rolled back to = %d, want 1", result.RolledBackTo)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if got := reloaded.DesiredConfig["mtu"]; got != float64(1420) {
			t.Errorf("desired config = %v, want revision 1's config", reloaded.DesiredConfig)
		}

		var row models.ConfigRevision
		err = db.Where("node_id = ? AND revision = ?", node.ID, 4).First(&row).Error
		if err != nil {
			t.Fatalf("loading rollback revision: %v", err)
		}
		if row.Status != models.RevisionStatusRolledBack {
			t.Errorf("status = %q, want rolled_back", row.Status)
		}
		if row.RolledBackFrom == nil || *row.RolledBackFrom != 3 {
			t.Errorf("rolled_back_from = %v, want 3", row.RolledBackFrom)
		}
	})

	t.Run("without target selects the latest revision", func(t *testing.T) {
		// The newest ledger entry is the currently desired one, so a
		// no-target rollback self-copies the current config.
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-rb-latest")

		if _, err := c.SetDesiredConfig(node.ID, models.JSONMap{"v": float64(2)}, "admin"); err != nil {
			t.Fatalf("SetDesiredConfig() error = %v", err)
		}

		result, err := c.Rollback(node.ID, nil, "admin")
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if result.RolledBackTo != 2 {
			t.Errorf("rolled back to = %d, want 2 (current latest)", result.RolledBackTo)
		}
		if result.NewRevision != 3 {
			t.Errorf("new revision = %d, want 3", result.NewRevision)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if got := reloaded.DesiredConfig["v"]; got != float64(2) {
			t.Errorf("desired config = %v, want self-copied revision 2 config", reloaded.DesiredConfig)
		}
	})

	t.Run("unknown target revision fails with not found", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-rb-missing")

		target := 99
		_, err := c.Rollback(node.ID, &target, "admin")
		assertFault(t, err, fault.ClassNotFound, "revision_not_found")
	})
}

func TestHeartbeat(t *testing.T) {
	t.Run("records versions and flips online", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-hb")

		if err := c.Heartbeat("tok-hb", "awg 1.0", "sing-box 1.9"); err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if reloaded.Status != models.NodeStatusOnline {
			t.Errorf("status = %q, want online", reloaded.Status)
		}
		if reloaded.LastSeenAt == nil {
			t.Error("last_seen_at not set")
		}
		if reloaded.EngineAwg2Version != "awg 1.0" || reloaded.EngineSingboxVersion != "sing-box 1.9" {
			t.Errorf("engine versions = %q/%q", reloaded.EngineAwg2Version, reloaded.EngineSingboxVersion)
		}
	})

	t.Run("unknown token fails with not found", func(t *testing.T) {
		c, _ := setup(t)
		err := c.Heartbeat("bogus", "", "")
		assertFault(t, err, fault.ClassNotFound, "node_not_found")
	})
}

func TestApplyResult(t *testing.T) {
	t.Run("success marks node online and revision applied", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-apply")

		err := c.ApplyResult("tok-apply", 1, reconcile.OutcomeSuccess, models.JSONMap{"took_ms": float64(12)})
		if err != nil {
			t.Fatalf("ApplyResult() error = %v", err)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if reloaded.AppliedConfigRevision != 1 {
			t.Errorf("applied revision = %d, want 1", reloaded.AppliedConfigRevision)
		}
		if reloaded.LastApplyStatus != "success" {
			t.Errorf("last apply status = %q, want success", reloaded.LastApplyStatus)
		}
		if reloaded.Status != models.NodeStatusOnline {
			t.Errorf("status = %q, want online", reloaded.Status)
		}

		var row models.ConfigRevision
		if err := db.Where("node_id = ? AND revision = ?", node.ID, 1).First(&row).Error; err != nil {
			t.Fatalf("loading revision: %v", err)
		}
		if row.Status != models.RevisionStatusApplied {
			t.Errorf("revision status = %q, want applied", row.Status)
		}
		if row.AppliedAt == nil {
			t.Error("applied_at not stamped")
		}
	})

	t.Run("failure marks node error and revision failed", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-apply-fail")

		err := c.ApplyResult("tok-apply-fail", 1, "apply_failed: bad inbounds", nil)
		if err != nil {
			t.Fatalf("ApplyResult() error = %v", err)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if reloaded.Status != models.NodeStatusError {
			t.Errorf("status = %q, want error", reloaded.Status)
		}
		if reloaded.LastApplyStatus != "apply_failed: bad inbounds" {
			t.Errorf("last apply status = %q", reloaded.LastApplyStatus)
		}

		var row models.ConfigRevision
		if err := db.Where("node_id = ? AND revision = ?", node.ID, 1).First(&row).Error; err != nil {
			t.Fatalf("loading revision: %v", err)
		}
		if row.Status != models.RevisionStatusFailed {
			t.Errorf("revision status = %q, want failed", row.Status)
		}
	})

	t.Run("unknown revision updates node only", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-apply-unknown")

		err := c.ApplyResult("tok-apply-unknown", 42, reconcile.OutcomeSuccess, nil)
		if err != nil {
			t.Fatalf("ApplyResult() error = %v", err)
		}

		var reloaded models.Node
		if err := db.First(&reloaded, "id = ?", node.ID).Error; err != nil {
			t.Fatalf("reloading node: %v", err)
		}
		if reloaded.AppliedConfigRevision != 42 {
			t.Errorf("applied revision = %d, want 42", reloaded.AppliedConfigRevision)
		}

		var row models.ConfigRevision
		if err := db.Where("node_id = ? AND revision = ?", node.ID, 1).First(&row).Error; err != nil {
			t.Fatalf("loading revision: %v", err)
		}
		if row.Status != models.RevisionStatusDesired {
			t.Errorf("revision 1 status = %q, want untouched desired", row.Status)
		}
	})
}

func TestCheckOffline(t *testing.T) {
	t.Run("flips stale nodes and skips never-seen ones", func(t *testing.T) {
		c, db := setup(t)
		stale := seedNode(t, c, db, "tok-stale")
		fresh := seedNode(t, c, db, "tok-fresh")
		seedNode(t, c, db, "tok-never") // no heartbeat at all

		old := time.Now().UTC().Add(-10 * time.Minute)
		if err := db.Model(&models.Node{}).Where("id = ?", stale.ID).
			Updates(map[string]any{"last_seen_at": old, "status": models.NodeStatusOnline}).Error; err != nil {
			t.Fatalf("staging stale node: %v", err)
		}
		if err := c.Heartbeat("tok-fresh", "", ""); err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}

		marked, err := c.CheckOffline(2*time.Minute, "admin")
		if err != nil {
			t.Fatalf("CheckOffline() error = %v", err)
		}
		if marked != 1 {
			t.Errorf("marked = %d, want 1", marked)
		}

		var reloadedStale models.Node
		if err := db.First(&reloadedStale, "id = ?", stale.ID).Error; err != nil {
			t.Fatalf("reloading stale node: %v", err)
		}
		if reloadedStale.Status != models.NodeStatusOffline {
			t.Errorf("stale node status = %q, want offline", reloadedStale.Status)
		}

		var reloadedFresh models.Node
		if err := db.First(&reloadedFresh, "id = ?", fresh.ID).Error; err != nil {
			t.Fatalf("reloading fresh node: %v", err)
		}
		if reloadedFresh.Status != models.NodeStatusOnline {
			t.Errorf("fresh node status = %q, want online", reloadedFresh.Status)
		}
	})

	t.Run("already-offline nodes are not re-marked", func(t *testing.T) {
		c, db := setup(t)
		node := seedNode(t, c, db, "tok-already-off")

		old := time.Now().UTC().Add(-time.Hour)
		err := db.Model(&models.Node{}).Where("id = ?", node.ID).
			Updates(map[string]any{"last_seen_at": old, "status": models.NodeStatusOffline}).Error
		if err != nil {
			t.Fatalf("staging node: %v", err)
		}

		marked, err := c.CheckOffline(time.Minute, "admin")
		if err != nil {
			t.Fatalf("CheckOffline() error = %v", err)
		}
		if marked != 0 {
			t.Errorf("marked = %d, want 0", marked)
		}
	})
}

func TestLifecycleEndToEnd(t *testing.T) {
	c, db := setup(t)
	node := seedNode(t, c, db, "tok-e2e")

	state, err := c.DesiredConfig("tok-e2e")
	if err != nil {
		t.Fatalf("DesiredConfig() error = %v", err)
	}
	if state.DesiredConfigRevision != 1 || state.AppliedConfigRevision != 0 {
		t.Errorf("desired/applied = %d/%d, want 1/0",
			state.DesiredConfigRevision, state.AppliedConfigRevision)
	}
	if got := state.DesiredConfig["mtu"]; got != float64(1420) {
		t.Errorf("config = %v, want seeded blob", state.DesiredConfig)
	}

	if err := c.ApplyResult("tok-e2e", 1, reconcile.OutcomeSuccess, nil); err != nil {
		t.Fatalf("ApplyResult() error = %v", err)
	}

	nodes, err := c.ListNodes("")
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].ID != node.ID || nodes[0].LastApplyStatus != "success" || nodes[0].Status != models.NodeStatusOnline {
		t.Errorf("listed node = %+v, want success/online", nodes[0])
	}
}

func assertFault(t *testing.T, err error, class fault.Class, reason string) {
	t.Helper()
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("error = %v, want fault with reason %q", err, reason)
	}
	if fe.Class != class || fe.Reason != reason {
		t.Fatalf("fault = %d/%q, want %d/%q", fe.Class, fe.Reason, class, reason)
	}
}
