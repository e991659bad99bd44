// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adminhttp is the opt-in, read-only operator surface: liveness,
// Prometheus exposition, and per-project status lookup. It never mutates a
// manifest and is not started unless an admin address is configured.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yt-factory/orchestrator/internal/manifest"
	"github.com/yt-factory/orchestrator/internal/pool"
)

var errPoolNotWarmed = errors.New("connection pool has no open sessions")

// LivenessCheck reports whether a dependency the admin surface cares about
// is healthy. Checks are wired in by the caller at construction time; the
// contentpipe command wires only the pool warm-up check.
type LivenessCheck func() error

// Server is the admin HTTP surface. Unlike the core CLI it is read-only
// and entirely optional: New does not start listening, Run does, and the
// caller decides whether to call Run at all based on whether an address
// was configured.
type Server struct {
	router    *gin.Engine
	manifests *manifest.Store
	checks    map[string]LivenessCheck
}

// New builds the admin router with /healthz, /metrics, and
// /status/:project_id registered. checks is a name-to-probe map consulted
// by /healthz; a nil or empty map makes /healthz always report healthy.
func New(manifests *manifest.Store, checks map[string]LivenessCheck) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("contentpipe-admin"))

	s := &Server{router: router, manifests: manifests, checks: checks}
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status/:project_id", s.handleStatus)
	return s
}

// Run starts the admin server on addr and blocks until ctx is cancelled or
// the server errors. Shutdown is graceful, bounded to 5s.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("project_id")
	mf, err := s.manifests.Load(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found", "project_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":     mf.ID,
		"status":         mf.Status,
		"error_history":  mf.Meta.ErrorHistory,
		"retry_count":    mf.Meta.RetryCount,
		"used_models":    mf.Meta.UsedModels,
		"current_model":  mf.Meta.CurrentModel,
		"updated_at":     mf.UpdatedAt,
	})
}

// PoolLivenessCheck returns a LivenessCheck that fails once the pool has
// no open sessions at all (warm-up never completed or every session died).
func PoolLivenessCheck(p *pool.Pool) LivenessCheck {
	return func() error {
		_, open := p.Stats()
		if open == 0 {
			return errPoolNotWarmed
		}
		return nil
	}
}
