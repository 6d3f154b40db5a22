package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerMachineRoutes(r *gin.Engine) {
	mgr := r.Group("/v1", s.requireManager)
	mgr.GET("/machines", s.handleListMachines)
	mgr.GET("/machines/:machine_id", s.handleGetMachine)
	mgr.DELETE("/machines/:machine_id", s.handleDeleteMachine)
	mgr.PUT("/machines/:machine_id/policy", s.handleAssignPolicy)
	mgr.GET("/dashboard", s.handleDashboard)
}

func (s *Server) handleListMachines(c *gin.Context) {
	var machines []Machine
	if err := s.db.WithContext(c.Request.Context()).
		Where("manager_id = ?", managerID(c)).
		Order("created_at").
		Find(&machines).Error; err != nil {
		respondError(c, storeErr(err, "list machines"), s.log)
		return
	}
	c.JSON(http.StatusOK, machines)
}

func (s *Server) handleGetMachine(c *gin.Context) {
	var machine Machine
	err := s.db.WithContext(c.Request.Context()).
		First(&machine, "id = ? AND manager_id = ?", c.Param("machine_id"), managerID(c)).Error
	if err != nil {
		respondError(c, storeErr(err, "machine"), s.log)
		return
	}
	c.JSON(http.StatusOK, machine)
}

func (s *Server) handleDeleteMachine(c *gin.Context) {
	if err := s.ownership.DeleteMachine(c.Request.Context(), managerID(c), c.Param("machine_id")); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAssignPolicy(c *gin.Context) {
	var req struct {
		PolicyID string `json:"policy_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}
	if err := s.ownership.AssignPolicy(c.Request.Context(), managerID(c), c.Param("machine_id"), req.PolicyID); err != nil {
		respondError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	mgr := managerID(c)

	var machineCount int64
	if err := s.db.WithContext(ctx).Model(&Machine{}).
		Where("manager_id = ?", mgr).Count(&machineCount).Error; err != nil {
		respondError(c, storeErr(err, "dashboard"), s.log)
		return
	}

	var openThreats int64
	if err := s.db.WithContext(ctx).Model(&Threat{}).
		Joins("JOIN machines ON machines.id = threats.machine_id").
		Where("machines.manager_id = ? AND threats.status IN ?", mgr,
			[]ThreatStatus{ThreatNew, ThreatInReview}).
		Count(&openThreats).Error; err != nil {
		respondError(c, storeErr(err, "dashboard"), s.log)
		return
	}

	due, err := s.scheduler.DueMachines(ctx, time.Now().UTC())
	if err != nil {
		respondError(c, err, s.log)
		return
	}
	var dueCount int
	for _, d := range due {
		if d.ManagerID == mgr {
			dueCount++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"machines":     machineCount,
		"open_threats": openThreats,
		"due_machines": dueCount,
	})
}
