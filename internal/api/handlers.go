package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/language"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/storage"
)

// Gemini 2.5 Flash list pricing, USD per million tokens. Used only for
// the cost estimate shown in status responses.
const (
	inputPricePerMTokens  = 0.30
	outputPricePerMTokens = 2.50
)

// cancelAttempts bounds the conditional-transition retry loop when a
// cancel races the pipeline advancing the job.
const cancelAttempts = 4

type createJobRequest struct {
	OriginalFileName string `json:"originalFileName"`
}

type createJobResponse struct {
	JobID     string `json:"jobId"`
	UploadURL string `json:"uploadUrl"`
	State     string `json:"state"`
}

type translateRequest struct {
	TargetLanguage   string `json:"targetLanguage"`
	Tone             string `json:"tone"`
	OriginalFileName string `json:"originalFileName"`
}

type statusResponse struct {
	JobID              string           `json:"jobId"`
	State              string           `json:"state"`
	TotalChunks        int              `json:"totalChunks"`
	TranslatedChunks   int              `json:"translatedChunks"`
	ProgressPercentage float64          `json:"progressPercentage"`
	TokensUsed         int64            `json:"tokensUsed"`
	EstimatedCost      float64          `json:"estimatedCost"`
	Error              *statusErrorBody `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
}

type statusErrorBody struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failedAt"`
}

func statusOf(j *job.Job) statusResponse {
	out := statusResponse{
		JobID:              j.ID,
		State:              string(j.State),
		TotalChunks:        j.TotalChunks,
		TranslatedChunks:   j.TranslatedChunks,
		ProgressPercentage: j.ProgressPercentage(),
		TokensUsed:         j.TokensIn + j.TokensOut,
		EstimatedCost:      estimatedCost(j.TokensIn, j.TokensOut),
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		out.Error = &statusErrorBody{
			Kind:     j.Error.Kind,
			Message:  j.Error.Message,
			FailedAt: j.Error.FailedAt,
		}
	}
	return out
}

func estimatedCost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)*inputPricePerMTokens/1e6 + float64(tokensOut)*outputPricePerMTokens/1e6
}

// handleCreateJob registers a new job and hands back the target the
// client uploads the document to.
func (s *Server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("validation", "Request body is not valid JSON."))
			return
		}
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:               uuid.NewString(),
		Owner:            principal(c),
		OriginalFileName: req.OriginalFileName,
		State:            job.StatePendingUpload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	j.SourceKey = storage.DocumentKey(j.ID)
	if err := s.jobs.Create(c.Request.Context(), j); err != nil {
		s.writeError(c, err)
		return
	}
	logger.Info("Job created", "job_id", j.ID, "owner", j.Owner)
	c.JSON(http.StatusCreated, createJobResponse{
		JobID:     j.ID,
		UploadURL: "/jobs/" + j.ID + "/upload",
		State:     string(j.State),
	})
}

// handleUpload accepts the raw document body for a pending job.
func (s *Server) handleUpload(c *gin.Context) {
	j := s.loadOwnedJob(c)
	if j == nil {
		return
	}
	if j.State != job.StatePendingUpload {
		c.JSON(http.StatusConflict, errorBody("illegal_state", "Job already has its document."))
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation", "Could not read request body."))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusBadRequest, errorBody("validation", "Document exceeds the upload size limit."))
		return
	}
	if err := s.store.Put(c.Request.Context(), storage.UploadKey(j.ID), data); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUploadComplete validates the uploaded bytes and promotes them
// to the job's document. It stands in for the object-store
// notification a bucket-backed deployment would deliver.
func (s *Server) handleUploadComplete(c *gin.Context) {
	j := s.loadOwnedJob(c)
	if j == nil {
		return
	}

	data, err := s.store.Get(c.Request.Context(), storage.UploadKey(j.ID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusBadRequest, errorBody("validation", "No document has been uploaded for this job."))
			return
		}
		s.writeError(c, err)
		return
	}

	if reason := validateDocument(data, s.cfg.MaxUploadBytes); reason != "" {
		_, terr := s.jobs.Transition(c.Request.Context(), j.ID, job.StatePendingUpload, job.StateValidationFailed, func(rec *job.Job) {
			rec.Error = &job.ErrorDescriptor{
				Kind:     "validation",
				Message:  reason,
				FailedAt: time.Now().UTC(),
			}
		})
		if terr != nil && !errors.Is(terr, job.ErrStateConflict) {
			s.writeError(c, terr)
			return
		}
		c.JSON(http.StatusBadRequest, errorBody("validation", reason))
		return
	}

	if err := s.store.Put(c.Request.Context(), storage.DocumentKey(j.ID), data); err != nil {
		s.writeError(c, err)
		return
	}
	updated, err := s.jobs.Transition(c.Request.Context(), j.ID, job.StatePendingUpload, job.StateUploaded, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOf(updated))
}

// validateDocument returns a rejection reason, or "" when the bytes
// are acceptable as a plain-text source document.
func validateDocument(data []byte, maxBytes int64) string {
	if len(data) == 0 {
		return "Uploaded document is empty."
	}
	if int64(len(data)) > maxBytes {
		return "Document exceeds the upload size limit."
	}
	if !utf8.Valid(data) {
		return "Document is not valid UTF-8 text."
	}
	for _, b := range data {
		if b == 0 {
			return "Document appears to be binary, not plain text."
		}
	}
	return ""
}

// handleTranslate sets the translation parameters and starts the
// pipeline. The conditional UPLOADED -> CHUNKING transition makes
// duplicate requests lose cleanly.
func (s *Server) handleTranslate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation", "Request body is not valid JSON."))
		return
	}
	if !language.ValidTag(req.TargetLanguage) {
		c.JSON(http.StatusBadRequest, errorBody("validation", "Unsupported target language: "+req.TargetLanguage))
		return
	}
	if req.Tone == "" {
		req.Tone = language.ToneNeutral
	}
	if !language.ValidTone(req.Tone) {
		c.JSON(http.StatusBadRequest, errorBody("validation", "Unsupported tone: "+req.Tone))
		return
	}

	j := s.loadOwnedJob(c)
	if j == nil {
		return
	}
	updated, err := s.jobs.Transition(c.Request.Context(), j.ID, job.StateUploaded, job.StateChunking, func(rec *job.Job) {
		rec.TargetLanguage = req.TargetLanguage
		rec.Tone = req.Tone
		if req.OriginalFileName != "" {
			rec.OriginalFileName = req.OriginalFileName
		}
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.kick(updated.ID)
	c.JSON(http.StatusAccepted, statusOf(updated))
}

// runJob drives the orchestrator in the background, detached from the
// request context.
func (s *Server) runJob(jobID string) {
	ctx := context.Background()
	if err := s.orch.Run(ctx, jobID); err != nil {
		logger.Error("Pipeline run failed", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	j := s.loadOwnedJob(c)
	if j == nil {
		return
	}
	c.JSON(http.StatusOK, statusOf(j))
}

func (s *Server) handleListJobs(c *gin.Context) {
	list, err := s.jobs.ListByOwner(c.Request.Context(), principal(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]statusResponse, 0, len(list))
	for _, j := range list {
		out = append(out, statusOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// handleCancel moves an active job to CANCELED. In-flight workers
// observe the state on their next gate check and stop.
func (s *Server) handleCancel(c *gin.Context) {
	j := s.loadOwnedJob(c)
	if j == nil {
		return
	}
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if j.State == job.StateCanceled {
			c.JSON(http.StatusOK, statusOf(j))
			return
		}
		if !job.CanTransition(j.State, job.StateCanceled) {
			c.JSON(http.StatusConflict, errorBody("illegal_state",
				"Job in state "+string(j.State)+" cannot be canceled."))
			return
		}
		updated, err := s.jobs.Transition(c.Request.Context(), j.ID, j.State, job.StateCanceled, nil)
		if err == nil {
			logger.Info("Job canceled", "job_id", j.ID)
			go s.cleanupJobData(j.ID)
			c.JSON(http.StatusOK, statusOf(updated))
			return
		}
		if !errors.Is(err, job.ErrStateConflict) {
			s.writeError(c, err)
			return
		}
		j, err = s.jobs.Get(c.Request.Context(), j.ID)
		if err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusConflict, errorBody("illegal_state", "Job state kept changing; try again."))
}

// cleanupJobData removes intermediate artifacts of a canceled job.
// Best effort: a worker finishing its last write after this pass
// leaves one orphan object behind, which the job's eventual deletion
// sweeps up.
func (s *Server) cleanupJobData(jobID string) {
	ctx := context.Background()
	for _, prefix := range []string{storage.ChunkPrefix(jobID), storage.TranslatedPrefix(jobID)} {
		if err := s.store.DeletePrefix(ctx, prefix); err != nil {
			logger.Warn("Artifact cleanup failed", "job_id", jobID, "prefix", prefix, "error", err)
		}
	}
}
