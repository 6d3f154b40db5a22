package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
	managerIDHeader         = "X-Manager-ID"
)

const tracerName = "github.com/fleetmon/fleetmon/server"

// withRequestContext attaches a request id, a request-scoped logger, and a
// server span to every request.
func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", c.FullPath()).Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("request.id", reqID),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// respondError maps a taxonomy error onto its HTTP status and emits a
// request-scoped log entry.
func respondError(c *gin.Context, err error, fallback zerolog.Logger) {
	status := httpStatus(err)
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Err(err).Msg("request failed")

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() && status >= http.StatusInternalServerError {
		span.RecordError(err)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      err.Error(),
		"request_id": requestID(c),
	})
}

func respondBadRequest(c *gin.Context, message string, fallback zerolog.Logger) {
	requestLogger(c, fallback).Warn().Int("status", http.StatusBadRequest).Msg(message)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":      message,
		"request_id": requestID(c),
	})
}

// requireManager resolves the trusted manager identity supplied by the
// external auth layer. The core trusts it for authorization per the system
// boundary; it only verifies the profile exists and carries the right role.
func (s *Server) requireManager(c *gin.Context) {
	managerID := c.GetHeader(managerIDHeader)
	if managerID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing manager identity"})
		return
	}

	var manager Manager
	if err := s.db.WithContext(c.Request.Context()).First(&manager, "id = ?", managerID).Error; err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown manager"})
		return
	}
	var user User
	if err := s.db.WithContext(c.Request.Context()).First(&user, "id = ?", manager.UserID).Error; err != nil || user.Role != RoleManager {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a manager account"})
		return
	}

	c.Set("manager_id", manager.ID)
	c.Next()
}

func managerID(c *gin.Context) string {
	if v, ok := c.Get("manager_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
