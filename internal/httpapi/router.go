// Package httpapi exposes the ingestion manager over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/ingest"
)

const principalKey = "principal"

// Ingester is the job control surface served by the router
type Ingester interface {
	Start(ctx context.Context, cfg ingest.JobConfig) (ingest.Snapshot, bool, error)
	Stop(ctx context.Context, userID string) (ingest.Snapshot, error)
	Status(ctx context.Context, userID string) (ingest.Snapshot, bool, error)
	Jobs() []ingest.Snapshot
	Probe(ctx context.Context, userID string, limit int) ([]string, error)
}

// Verifier authenticates front-door requests
type Verifier interface {
	Verify(r *http.Request) (*auth.Principal, error)
}

// HealthCheck reports a dependency's health
type HealthCheck func(ctx context.Context) error

// Options configures optional router features
type Options struct {
	// Verifier enables bearer-token authentication on /ingest routes.
	Verifier Verifier
	Metrics  http.Handler
	Health   map[string]HealthCheck
}

type handler struct {
	ingester Ingester
	health   map[string]HealthCheck
}

// NewRouter builds the gin engine
func NewRouter(ingester Ingester, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	h := &handler{ingester: ingester, health: opts.Health}

	r.GET("/healthz", h.healthz)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	g := r.Group("/ingest")
	if opts.Verifier != nil {
		g.Use(authMiddleware(opts.Verifier))
	}
	g.POST("/start", h.start)
	g.GET("/status/:user_id", h.status)
	g.POST("/stop/:user_id", h.stop)
	g.GET("/jobs", h.jobs)
	g.POST("/all", h.probe)
	return r
}

func (h *handler) start(c *gin.Context) {
	var cfg ingest.JobConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !authorized(c, cfg.UserID) {
		return
	}

	snap, created, err := h.ingester.Start(c.Request.Context(), cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	c.JSON(code, snap)
}

func (h *handler) status(c *gin.Context) {
	userID := c.Param("user_id")
	if !authorized(c, userID) {
		return
	}

	snap, active, err := h.ingester.Status(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": snap, "active": active})
}

func (h *handler) stop(c *gin.Context) {
	userID := c.Param("user_id")
	if !authorized(c, userID) {
		return
	}

	snap, err := h.ingester.Stop(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Ingestion stopped for user %s", userID),
		"job":     snap,
	})
}

func (h *handler) jobs(c *gin.Context) {
	jobs := h.ingester.Jobs()
	if p, ok := principal(c); ok {
		own := jobs[:0:0]
		for _, j := range jobs {
			if j.UserID == p.ID {
				own = append(own, j)
			}
		}
		jobs = own
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

type probeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	MaxEmails int    `json:"max_emails"`
}

func (h *handler) probe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !authorized(c, req.UserID) {
		return
	}

	ids, err := h.ingester.Probe(c.Request.Context(), req.UserID, req.MaxEmails)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      req.UserID,
		"emails_found": len(ids),
		"success":      true,
		"message":      fmt.Sprintf("Retrieved %d emails without date filtering", len(ids)),
	})
}

func (h *handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func authMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) (*auth.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*auth.Principal)
	return p, ok
}

// authorized rejects callers acting on another user's ingestion
func authorized(c *gin.Context, userID string) bool {
	p, ok := principal(c)
	if !ok || userID == "" || p.ID == userID {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "token subject does not match user_id"})
	return false
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, apperr.ErrAuthentication):
		code = http.StatusUnauthorized
	case errors.Is(err, apperr.ErrRateLimit):
		code = http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrExternalService):
		code = http.StatusBadGateway
	case errors.Is(err, apperr.ErrConfiguration):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
