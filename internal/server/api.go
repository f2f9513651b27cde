package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/openaerie/internal/config"
	"github.com/vesaa/openaerie/internal/devices"
	"github.com/vesaa/openaerie/internal/events"
	"github.com/vesaa/openaerie/internal/fault"
	"github.com/vesaa/openaerie/internal/models"
	"github.com/vesaa/openaerie/internal/reconcile"
	"github.com/vesaa/openaerie/internal/traffic"
	"gorm.io/gorm"
)

// Server wires HTTP routes to the fleet components. All dependencies are
// injected at construction; the package holds no global state.
type Server struct {
	cfg        *config.Config
	db         *gorm.DB
	controller *reconcile.Controller
	registry   *devices.Registry
	accountant *traffic.Accountant
	sink       *events.Sink
}

// New creates a Server over the given components.
func New(cfg *config.Config, db *gorm.DB, controller *reconcile.Controller,
	registry *devices.Registry, accountant *traffic.Accountant, sink *events.Sink) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		controller: controller,
		registry:   registry,
		accountant: accountant,
		sink:       sink,
	}
}

// RegisterControlRoutes wires up the admin API on the given engine.
//
//	Public:   POST /api/login, GET /api/health
//	Protected (JWT): everything else under /api
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	auth := api.Group("/", s.JWTMiddleware())
	{
		// Fleet reconciliation
		auth.POST("/nodes", s.handleNodeCreate)
		auth.GET("/nodes", s.handleNodeList)
		auth.GET("/nodes/:id/revisions", s.handleNodeRevisions)
		auth.POST("/nodes/:id/desired-config", s.handleDesiredConfigUpdate)
		auth.POST("/nodes/:id/rollback", s.handleRollback)
		auth.POST("/nodes/check-offline", s.handleCheckOffline)

		// Inventory
		auth.POST("/squads", s.handleSquadCreate)
		auth.GET("/squads", s.handleSquadList)
		auth.POST("/servers", s.handleServerCreate)
		auth.GET("/servers", s.handleServerList)

		// Users & devices
		auth.POST("/users", s.handleUserCreate)
		auth.GET("/users", s.handleUserList)
		auth.GET("/users/:id", s.handleUserGet)
		auth.PATCH("/users/:id/block", s.handleUserBlock)
		auth.PATCH("/users/:id/limits", s.handleUserLimits)
		auth.POST("/users/:id/reset-traffic", s.handleUserResetTraffic)
		auth.POST("/users/:id/recompute-traffic", s.handleUserRecomputeTraffic)
		auth.GET("/users/:id/devices", s.handleDeviceList)
		auth.POST("/users/:id/devices/register", s.handleDeviceRegister)
		auth.POST("/users/:id/devices/reset", s.handleDeviceReset)

		// Webhooks
		auth.POST("/webhooks", s.handleWebhookCreate)
		auth.GET("/webhooks", s.handleWebhookList)
		auth.POST("/webhooks/deliver", s.handleWebhookDeliver)
	}
}

// RegisterDataRoutes wires up the node-agent API on the given engine.
// There is no shared bearer secret: each request authenticates with the
// node's own token, carried in the payload (or query for GET).
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	api := r.Group("/api/agent")
	{
		api.POST("/heartbeat", s.handleHeartbeat)
		api.GET("/desired-config", s.handleDesiredConfig)
		api.POST("/apply-result", s.handleApplyResult)
		api.POST("/report-usage", s.handleReportUsage)
	}

	// Data-plane health (no auth — used by load-balancers / k8s probes)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// writeError maps fault classes to HTTP statuses with a stable reason code.
func writeError(c *gin.Context, err error) {
	if fe, ok := fault.As(err); ok {
		status := http.StatusInternalServerError
		switch fe.Class {
		case fault.ClassNotFound:
			status = http.StatusNotFound
		case fault.ClassConflict:
			status = http.StatusConflict
		case fault.ClassBadRequest:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": fe.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ── Node reconciliation handlers ─────────────────────────────────────────────

func (s *Server) handleNodeCreate(c *gin.Context) {
	var body struct {
		ServerID             string         `json:"server_id" binding:"required"`
		NodeToken            string         `json:"node_token" binding:"required"`
		EngineAwg2Enabled    *bool          `json:"engine_awg2_enabled"`
		EngineSingboxEnabled *bool          `json:"engine_singbox_enabled"`
		DesiredConfig        models.JSONMap `json:"desired_config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := reconcile.CreateNodeParams{
		ServerID:             body.ServerID,
		NodeToken:            body.NodeToken,
		EngineAwg2Enabled:    true,
		EngineSingboxEnabled: true,
		DesiredConfig:        body.DesiredConfig,
		Actor:                actor(c),
	}
	if body.EngineAwg2Enabled != nil {
		params.EngineAwg2Enabled = *body.EngineAwg2Enabled
	}
	if body.EngineSingboxEnabled != nil {
		params.EngineSingboxEnabled = *body.EngineSingboxEnabled
	}

	node, err := s.controller.CreateNode(params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": node})
}

func (s *Server) handleNodeList(c *gin.Context) {
	nodes, err := s.controller.ListNodes(c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": nodes})
}

func (s *Server) handleNodeRevisions(c *gin.Context) {
	revisions, err := s.controller.Revisions(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": revisions})
}

func (s *Server) handleDesiredConfigUpdate(c *gin.Context) {
	var body struct {
		DesiredConfig models.JSONMap `json:"desired_config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	revision, err := s.controller.SetDesiredConfig(c.Param("id"), body.DesiredConfig, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "desired_config_revision": revision})
}

func (s *Server) handleRollback(c *gin.Context) {
	var body struct {
		ToRevision *int `json:"to_revision"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.controller.Rollback(c.Param("id"), body.ToRevision, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                      true,
		"desired_config_revision": result.NewRevision,
		"rolled_back_to":          result.RolledBackTo,
	})
}

func (s *Server) handleCheckOffline(c *gin.Context) {
	threshold := s.cfg.OfflineAfterSeconds
	if raw := c.Query("offline_after_seconds"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offline_after_seconds"})
			return
		}
		threshold = parsed
	}

	marked, err := s.controller.CheckOffline(time.Duration(threshold)*time.Second, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "marked_offline": marked})
}

// ── Agent data-plane handlers ────────────────────────────────────────────────

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body struct {
		NodeToken            string `json:"node_token" binding:"required"`
		EngineAwg2Version    string `json:"engine_awg2_version"`
		EngineSingboxVersion string `json:"engine_singbox_version"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.controller.Heartbeat(body.NodeToken, body.EngineAwg2Version, body.EngineSingboxVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleDesiredConfig(c *gin.Context) {
	token := c.Query("node_token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_token required"})
		return
	}

	state, err := s.controller.DesiredConfig(token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleApplyResult(c *gin.Context) {
	var body struct {
		NodeToken             string         `json:"node_token" binding:"required"`
		AppliedConfigRevision int            `json:"applied_config_revision"`
		Status                string         `json:"status" binding:"required"`
		Details               models.JSONMap `json:"details"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.controller.ApplyResult(body.NodeToken, body.AppliedConfigRevision, body.Status, body.Details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleReportUsage(c *gin.Context) {
	var body struct {
		NodeToken  string `json:"node_token" binding:"required"`
		UserUUID   string `json:"user_uuid" binding:"required"`
		BytesUsed  int64  `json:"bytes_used"`
		DeviceHash string `json:"device_hash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.accountant.ReportUsage(body.NodeToken, body.UserUUID, body.BytesUsed, body.DeviceHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
