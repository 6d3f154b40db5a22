package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerInvitationRoutes(r *gin.Engine) {
	r.POST("/v1/enroll", s.handleEnroll)

	mgr := r.Group("/v1/invitations", s.requireManager)
	mgr.POST("", s.handleIssueInvitation)
	mgr.GET("", s.handleListInvitations)
}

func (s *Server) handleIssueInvitation(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		TTLHours int    `json:"ttl_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}

	ttlHours := req.TTLHours
	if ttlHours <= 0 {
		ttlHours = s.cfg.Invites.DefaultTTLHours
	}

	inv, token, err := s.invitations.Issue(c.Request.Context(), managerID(c), req.Email, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		respondError(c, err, s.log)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         inv.ID,
		"email":      inv.Email,
		"token":      token,
		"status":     inv.Status,
		"expires_at": inv.ExpiresAt,
	})
}

func (s *Server) handleListInvitations(c *gin.Context) {
	invs, err := s.invitations.List(c.Request.Context(), managerID(c))
	if err != nil {
		respondError(c, err, s.log)
		return
	}

	resp := make([]gin.H, 0, len(invs))
	for _, inv := range invs {
		resp = append(resp, gin.H{
			"id":          inv.ID,
			"email":       inv.Email,
			"status":      inv.Status,
			"expires_at":  inv.ExpiresAt,
			"accepted_at": inv.AcceptedAt,
			"created_at":  inv.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEnroll(c *gin.Context) {
	var req struct {
		Token      string `json:"token"`
		Password   string `json:"password"`
		Hostname   string `json:"hostname"`
		HardwareID string `json:"hardware_id"`
		Inventory  string `json:"inventory"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error(), s.log)
		return
	}
	if req.Token == "" || req.HardwareID == "" {
		respondBadRequest(c, "token and hardware_id are required", s.log)
		return
	}
	if !s.rateLimiter.Allow("enroll:"+c.ClientIP(), 10, time.Minute) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many enrollment attempts"})
		return
	}

	machine, err := s.invitations.Redeem(c.Request.Context(), req.Token, Enrollment{
		Password:   req.Password,
		Hostname:   req.Hostname,
		HardwareID: req.HardwareID,
		Inventory:  req.Inventory,
	})
	if err != nil {
		respondError(c, err, s.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"machine_id": machine.ID,
		"manager_id": machine.ManagerID,
	})
}
