// Package api exposes the translation job service over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/config"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/orchestrator"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/oukeidos/folio/internal/version"
)

// principalHeader identifies the calling principal. Authentication of
// the header itself sits in front of this service; here it is the
// ownership boundary.
const principalHeader = "X-Folio-Principal"

// Server wires the HTTP surface to the job pipeline.
type Server struct {
	jobs  job.Store
	store storage.Store
	orch  *orchestrator.Orchestrator
	cfg   config.Config

	// kick starts the pipeline for a job. Asynchronous in production,
	// replaced with a synchronous call in tests.
	kick func(jobID string)
}

func NewServer(jobs job.Store, store storage.Store, orch *orchestrator.Orchestrator, cfg config.Config) *Server {
	s := &Server{jobs: jobs, store: store, orch: orch, cfg: cfg}
	s.kick = func(jobID string) { go s.runJob(jobID) }
	return s
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLog(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	jobs := r.Group("/jobs", requirePrincipal())
	{
		jobs.POST("/upload", s.handleCreateJob)
		jobs.GET("", s.handleListJobs)
		jobs.PUT("/:id/upload", s.handleUpload)
		jobs.POST("/:id/upload-complete", s.handleUploadComplete)
		jobs.POST("/:id/translate", s.handleTranslate)
		jobs.GET("/:id/translation-status", s.handleStatus)
		jobs.POST("/:id/cancel", s.handleCancel)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

// requirePrincipal rejects requests without a caller identity.
func requirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(principalHeader) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("auth", "Missing "+principalHeader+" header."))
			return
		}
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func principal(c *gin.Context) string {
	return c.GetHeader(principalHeader)
}

// loadOwnedJob fetches the job and enforces the ownership boundary.
// On failure it writes the response and returns nil.
func (s *Server) loadOwnedJob(c *gin.Context) *job.Job {
	j, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("not_found", "Unknown job."))
			return nil
		}
		s.writeError(c, err)
		return nil
	}
	if j.Owner != principal(c) {
		// Opaque on purpose: do not leak whose job it is.
		c.JSON(http.StatusForbidden, errorBody("forbidden", "You do not own this job."))
		return nil
	}
	return j
}

// writeError maps application errors onto the HTTP contract.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("not_found", "Unknown job."))
		return
	case errors.Is(err, job.ErrStateConflict):
		c.JSON(http.StatusConflict, errorBody("illegal_state", "Operation not allowed in the job's current state."))
		return
	}
	kind, ok := apperrors.KindOf(err)
	if !ok {
		logger.Error("Unclassified request failure", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody("internal", "Internal server error."))
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case apperrors.KindValidation, apperrors.KindBadRequest, apperrors.KindChunking:
		status = http.StatusBadRequest
	case apperrors.KindAuth:
		status = http.StatusUnauthorized
	case apperrors.KindIllegalState:
		status = http.StatusConflict
	case apperrors.KindRateLimit:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, errorBody(string(kind), apperrors.PublicMessage(err)))
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}
