package domain

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/domainctl/internal/auth"
	"github.com/danmuck/domainctl/internal/engine"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/observability"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/update"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type updatesRequest struct {
	Updates       []update.Update `json:"updates"`
	AllowRollback bool            `json:"allow_rollback,omitempty"`
}

type registerRequest struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(observability.ComponentLogger("domain.http")))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(router *gin.Engine) {
	r := router.Group("")
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ID,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := s.engine.Inconsistent(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ID,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
		r = router.Group("", auth.Middleware(auth.StaticToken{Token: token}))
	}

	r.GET("/model", func(c *gin.Context) {
		state := s.engine.Snapshot()
		c.JSON(http.StatusOK, gin.H{"model": state, "digest": state.Digest()})
	})

	r.POST("/model/reload", func(c *gin.Context) {
		state, err := s.ReloadModel()
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNoStore) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reloaded", "digest": state.Digest()})
	})

	r.POST("/batches", func(c *gin.Context) {
		req, ok := bindUpdates(c, update.ScopeDomain)
		if !ok {
			return
		}
		res, err := s.engine.ApplyBatch(c.Request.Context(), req.Updates)
		if err != nil {
			writeError(c, err)
			return
		}
		body := gin.H{"batch": res}
		if res.PersistErr != nil {
			body["persist_error"] = res.PersistErr.Error()
		}
		if res.RollbackErr != nil {
			body["rollback_error"] = res.RollbackErr.Error()
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/hosts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"hosts": s.Hosts()})
	})

	r.POST("/hosts", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := s.Register(c.Request.Context(), req.ID, req.Addr)
		if err != nil {
			writeError(c, err)
			return
		}
		if !created {
			c.JSON(http.StatusOK, gin.H{"status": "exists", "id": strings.TrimSpace(req.ID)})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "registered", "id": strings.TrimSpace(req.ID)})
	})

	r.DELETE("/hosts/:host", func(c *gin.Context) {
		if !s.Deregister(c.Param("host")) {
			writeError(c, ErrHostNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/hosts/:host/resync", func(c *gin.Context) {
		if err := s.engine.Resync(c.Request.Context(), c.Param("host")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resynced", "id": c.Param("host")})
	})

	r.POST("/hosts/:host/updates", func(c *gin.Context) {
		req, ok := bindUpdates(c, update.ScopeHost)
		if !ok {
			return
		}
		results, err := s.engine.ApplyHostUpdates(c.Request.Context(), c.Param("host"), req.Updates)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	})

	r.POST("/hosts/:host/servers/:server/updates", func(c *gin.Context) {
		req, ok := bindUpdates(c, update.ScopeServer)
		if !ok {
			return
		}
		id := node.NewServerIdentity(c.Param("host"), c.Param("server"))
		results, err := s.engine.ApplyServerUpdates(c.Request.Context(), id, req.Updates, req.AllowRollback)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"server": id, "results": results})
	})

	r.GET("/servers/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"servers": s.engine.ServerStatuses(c.Request.Context())})
	})
}

// bindUpdates decodes an updates body, filling an empty scope with def.
func bindUpdates(c *gin.Context, def update.Scope) (updatesRequest, bool) {
	var req updatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return updatesRequest{}, false
	}
	for i := range req.Updates {
		if req.Updates[i].Scope == "" {
			req.Updates[i].Scope = def
		}
	}
	return req, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrEmptyBatch),
		errors.Is(err, engine.ErrInvalidScope),
		errors.Is(err, update.ErrNoServerUpdate),
		errors.Is(err, node.ErrInvalidServerIdentity),
		errors.Is(err, ErrInvalidHost):
		status = http.StatusBadRequest
	case errors.Is(err, participant.ErrUnknownParticipant),
		errors.Is(err, ErrHostNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrModelInconsistent):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrResyncFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
