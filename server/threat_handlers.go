package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerThreatRoutes(r *gin.Engine) {
	mgr := r.Group("/v1/threats", s.requireManager)
	mgr.GET("", s.handleListThreats)
	mgr.GET("/stats", s.handleThreatStats)
	mgr.POST("/:id/review", s.handleOpenReview)
	mgr.POST("/:id/resolve", s.handleResolveThreat)
}

func (s *Server) handleListThreats(c *gin.Context) {
	filter := ThreatFilter{
		MachineID: c.Query("machine_id"),
		Type:      c.Query("type"),
		Level:     c.Query("level"),
		Status:    ThreatStatus(c.Query("status")),
		Limit:     100,
	}
	if days := queryInt(c, "days", 30); days > 0 {
		filter.Since = time.Now().UTC().AddDate(0, 0, -days)
	}
	if limit := queryInt(c, "limit", 100); limit > 0 {
		filter.Limit = limit
	}
	filter.Offset = queryInt(c, "offset", 0)

	threats, err := s.threats.List(c.Request.Context(), managerID(c), filter)
	if err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, threats)
}

func (s *Server) handleThreatStats(c *gin.Context) {
	days := queryInt(c, "days", 30)
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := s.threats.Stats(c.Request.Context(), managerID(c), since)
	if err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleOpenReview(c *gin.Context) {
	if err := s.threats.OpenReview(c.Request.Context(), managerID(c), c.Param("id")); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": ThreatInReview})
}

func (s *Server) handleResolveThreat(c *gin.Context) {
	if err := s.threats.Resolve(c.Request.Context(), managerID(c), c.Param("id")); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": ThreatResolved})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
