package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
)

// Thin inventory and user management around the core: enough surface to
// provision squads, servers, and users so the reconciliation and accounting
// paths have something to act on.

// ── Squads & servers ─────────────────────────────────────────────────────────

func (s *Server) handleSquadCreate(c *gin.Context) {
	var body struct {
		Name             string                 `json:"name" binding:"required"`
		Description      string                 `json:"description"`
		SelectionPolicy  models.SelectionPolicy `json:"selection_policy"`
		AllowedProtocols models.StringList      `json:"allowed_protocols"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.SelectionPolicy == "" {
		body.SelectionPolicy = models.SelectionRoundRobin
	}

	squad := models.Squad{
		Name:             body.Name,
		Description:      body.Description,
		SelectionPolicy:  body.SelectionPolicy,
		AllowedProtocols: body.AllowedProtocols,
	}
	if err := s.db.Create(&squad).Error; err != nil {
		writeError(c, err)
		return
	}
	s.sink.Audit(s.db, actor(c), "squad.created", "squad", squad.ID, models.JSONMap{"name": squad.Name})
	c.JSON(http.StatusOK, gin.H{"data": squad})
}

func (s *Server) handleSquadList(c *gin.Context) {
	var squads []models.Squad
	if err := s.db.Order("created_at asc").Find(&squads).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": squads})
}

func (s *Server) handleServerCreate(c *gin.Context) {
	var body struct {
		Host     string `json:"host" binding:"required"`
		IP       string `json:"ip"`
		Provider string `json:"provider"`
		Region   string `json:"region"`
		SquadID  string `json:"squad_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var squad models.Squad
	if err := s.db.First(&squad, "id = ?", body.SquadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "squad_not_found"})
			return
		}
		writeError(c, err)
		return
	}

	server := models.Server{
		Host:     body.Host,
		IP:       body.IP,
		Provider: body.Provider,
		Region:   body.Region,
		SquadID:  body.SquadID,
		Status:   "active",
	}
	if err := s.db.Create(&server).Error; err != nil {
		writeError(c, err)
		return
	}
	s.sink.Audit(s.db, actor(c), "server.created", "server", server.ID, models.JSONMap{"host": server.Host})
	c.JSON(http.StatusOK, gin.H{"data": server})
}

func (s *Server) handleServerList(c *gin.Context) {
	var servers []models.Server
	if err := s.db.Order("created_at asc").Find(&servers).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": servers})
}

// ── Users ────────────────────────────────────────────────────────────────────

func (s *Server) handleUserCreate(c *gin.Context) {
	var body struct {
		TrafficLimitBytes int64                 `json:"traffic_limit_bytes"`
		MaxDevices        *int                  `json:"max_devices"`
		StrictBind        bool                  `json:"strict_bind"`
		EvictionPolicy    models.EvictionPolicy `json:"device_eviction_policy"`
		SquadID           *string               `json:"squad_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.EvictionPolicy == "" {
		body.EvictionPolicy = models.EvictReject
	}
	if !models.ValidEvictionPolicy(body.EvictionPolicy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_eviction_policy"})
		return
	}

	user := models.User{
		Status:            models.UserStatusActive,
		TrafficLimitBytes: body.TrafficLimitBytes,
		MaxDevices:        1,
		StrictBind:        body.StrictBind,
		EvictionPolicy:    body.EvictionPolicy,
		SquadID:           body.SquadID,
	}
	if body.MaxDevices != nil {
		user.MaxDevices = *body.MaxDevices
	}
	if err := s.db.Create(&user).Error; err != nil {
		writeError(c, err)
		return
	}
	s.sink.Audit(s.db, actor(c), "user.created", "user", user.ID, models.JSONMap{"uuid": user.UUID})
	s.sink.Emit(nil, "user.created", models.JSONMap{"user_id": user.ID, "uuid": user.UUID})
	c.JSON(http.StatusOK, gin.H{"data": user})
}

func (s *Server) handleUserList(c *gin.Context) {
	query := s.db.Model(&models.User{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var users []models.User
	if err := query.Order("created_at desc").Find(&users).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users, "total": len(users)})
}

func (s *Server) userByID(c *gin.Context) (*models.User, bool) {
	var user models.User
	if err := s.db.First(&user, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		} else {
			writeError(c, err)
		}
		return nil, false
	}
	return &user, true
}

func (s *Server) handleUserGet(c *gin.Context) {
	user, ok := s.userByID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": user})
}

func (s *Server) handleUserBlock(c *gin.Context) {
	user, ok := s.userByID(c)
	if !ok {
		return
	}
	if err := s.db.Model(user).Update("status", models.UserStatusBlocked).Error; err != nil {
		writeError(c, err)
		return
	}
	s.sink.Audit(s.db, actor(c), "user.blocked", "user", user.ID, nil)
	s.sink.Emit(nil, "user.blocked", models.JSONMap{"user_id": user.ID})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUserLimits(c *gin.Context) {
	user, ok := s.userByID(c)
	if !ok {
		return
	}

	var body struct {
		TrafficLimitBytes *int64 `json:"traffic_limit_bytes"`
		MaxDevices        *int   `json:"max_devices"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]any{}
	if body.TrafficLimitBytes != nil {
		updates["traffic_limit_bytes"] = *body.TrafficLimitBytes
	}
	if body.MaxDevices != nil {
		updates["max_devices"] = *body.MaxDevices
	}
	if len(updates) > 0 {
		if err := s.db.Model(user).Updates(updates).Error; err != nil {
			writeError(c, err)
			return
		}
	}
	s.sink.Audit(s.db, actor(c), "user.limits_updated", "user", user.ID, models.JSONMap{})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUserResetTraffic(c *gin.Context) {
	if err := s.accountant.ResetTraffic(c.Param("id"), actor(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUserRecomputeTraffic(c *gin.Context) {
	total, err := s.accountant.Recompute(c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "traffic_used_bytes": total})
}

// ── Devices ──────────────────────────────────────────────────────────────────

func (s *Server) handleDeviceList(c *gin.Context) {
	list, err := s.registry.ListForUser(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) handleDeviceRegister(c *gin.Context) {
	var body struct {
		DeviceHash string `json:"device_hash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, err := s.registry.Register(c.Param("id"), body.DeviceHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": device})
}

func (s *Server) handleDeviceReset(c *gin.Context) {
	count, err := s.registry.Reset(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deactivated": count})
}

// ── Webhooks ─────────────────────────────────────────────────────────────────

func (s *Server) handleWebhookCreate(c *gin.Context) {
	var body struct {
		Name      string            `json:"name" binding:"required"`
		TargetURL string            `json:"target_url" binding:"required"`
		Secret    string            `json:"secret"`
		Events    models.StringList `json:"events"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	endpoint := models.WebhookEndpoint{
		Name:      body.Name,
		TargetURL: body.TargetURL,
		Secret:    body.Secret,
		Events:    body.Events,
		IsActive:  true,
	}
	if err := s.db.Create(&endpoint).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": endpoint})
}

func (s *Server) handleWebhookList(c *gin.Context) {
	var endpoints []models.WebhookEndpoint
	if err := s.db.Order("created_at asc").Find(&endpoints).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": endpoints})
}

func (s *Server) handleWebhookDeliver(c *gin.Context) {
	report, err := s.sink.DeliverPending(100)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
