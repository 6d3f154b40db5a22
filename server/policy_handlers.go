package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerPolicyRoutes(r *gin.Engine) {
	mgr := r.Group("/v1/policies", s.requireManager)
	mgr.POST("", s.handleCreatePolicy)
	mgr.GET("", s.handleListPolicies)
	mgr.PUT("/:id", s.handleUpdatePolicy)
	mgr.DELETE("/:id", s.handleDeletePolicy)
}

func (s *Server) handleCreatePolicy(c *gin.Context) {
	var req struct {
		Name            string `json:"name"`
		IntervalMinutes int    `json:"scan_interval_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}

	policy, err := s.ownership.CreatePolicy(c.Request.Context(), managerID(c), req.Name, req.IntervalMinutes)
	if err != nil {
		respondError(c, err, s.log)
		return
	}
	c.JSON(http.StatusCreated, policy)
}

func (s *Server) handleListPolicies(c *gin.Context) {
	var policies []Policy
	if err := s.db.WithContext(c.Request.Context()).
		Where("manager_id = ?", managerID(c)).
		Order("created_at").
		Find(&policies).Error; err != nil {
		respondError(c, storeErr(err, "list policies"), s.log)
		return
	}
	c.JSON(http.StatusOK, policies)
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var req struct {
		IntervalMinutes int `json:"scan_interval_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}

	if err := s.ownership.UpdatePolicyInterval(c.Request.Context(), managerID(c), c.Param("id"), req.IntervalMinutes); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	if err := s.ownership.DeletePolicy(c.Request.Context(), managerID(c), c.Param("id")); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}
