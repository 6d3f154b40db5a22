package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

func (s *Server) registerScanRoutes(r *gin.Engine) {
	r.POST("/v1/scans", s.handleIngestScan)
	r.GET("/v1/agents/:machine_id/schedule", s.handleAgentSchedule)
	r.PUT("/v1/machines/:machine_id/inventory", s.handleUpdateInventory)

	mgr := r.Group("/v1", s.requireManager)
	mgr.GET("/machines/:machine_id/scans", s.handleListScans)
	mgr.GET("/schedule/due", s.handleDueMachines)
}

func (s *Server) handleIngestScan(c *gin.Context) {
	var req struct {
		MachineID     string             `json:"machine_id"`
		ScanTimestamp time.Time          `json:"scan_timestamp"`
		Performance   detect.Performance `json:"performance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}
	if req.MachineID == "" || req.ScanTimestamp.IsZero() {
		respondBadRequest(c, "machine_id and scan_timestamp are required", s.log)
		return
	}
	if !s.rateLimiter.Allow("scan:"+req.MachineID, s.cfg.Ingest.RateLimit, time.Minute) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "scan rate limit exceeded"})
		return
	}

	scanID, err := s.ingestor.Ingest(c.Request.Context(), req.MachineID, req.ScanTimestamp, &req.Performance)
	if err != nil {
		respondError(c, err, s.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{"scan_id": scanID})
}

func (s *Server) handleAgentSchedule(c *gin.Context) {
	info, err := s.scheduler.MachineSchedule(c.Request.Context(), c.Param("machine_id"), time.Now().UTC())
	if err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleUpdateInventory(c *gin.Context) {
	var inv detect.Inventory
	if err := c.ShouldBindJSON(&inv); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}
	if err := s.ingestor.UpdateInventory(c.Request.Context(), c.Param("machine_id"), &inv); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListScans(c *gin.Context) {
	machID := c.Param("machine_id")
	if _, err := s.registry.ResolveOwner(c.Request.Context(), machID); err != nil {
		respondError(c, err, s.log)
		return
	}

	var scans []Scan
	if err := s.db.WithContext(c.Request.Context()).
		Where("machine_id = ?", machID).
		Order("scan_timestamp desc").
		Limit(100).
		Find(&scans).Error; err != nil {
		respondError(c, storeErr(err, "list scans"), s.log)
		return
	}
	c.JSON(http.StatusOK, scans)
}

func (s *Server) handleDueMachines(c *gin.Context) {
	due, err := s.scheduler.DueMachines(c.Request.Context(), time.Now().UTC())
	if err != nil {
		respondError(c, err, s.log)
		return
	}

	// Scope to the requesting manager's fleet.
	mine := make([]DueMachine, 0, len(due))
	for _, d := range due {
		if d.ManagerID == managerID(c) {
			mine = append(mine, d)
		}
	}
	c.JSON(http.StatusOK, mine)
}
