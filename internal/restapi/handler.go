// Package restapi implements the REST gateway for chunked uploads and job
// status.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/ratelimit"
	"github.com/mtiwari1/gopherscan/internal/repository"
	"github.com/mtiwari1/gopherscan/internal/upload"
)

const (
	apiPrefix     = "/api/v1"
	maxJSONBody   = 1 << 20
	formOverhead  = 1 << 20
	healthTimeout = 2 * time.Second
)

// Route patterns, also used to number endpoints in usage records.
const (
	RouteInitiate     = "POST " + apiPrefix + "/upload/initiate"
	RouteChunk        = "POST " + apiPrefix + "/upload/chunk"
	RouteComplete     = "POST " + apiPrefix + "/upload/complete"
	RouteUploadStatus = "GET " + apiPrefix + "/upload/{sessionId}"
	RouteJob          = "GET " + apiPrefix + "/jobs/{jobId}"
	RouteHealth       = "GET /healthz"
)

// Patterns lists the rate-limited routes in a stable order.
func Patterns() []string {
	return []string{RouteInitiate, RouteChunk, RouteComplete, RouteUploadStatus, RouteJob}
}

// JobReader reads analysis jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*repository.Job, error)
}

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for REST endpoints.
type Handler struct {
	uploads      *upload.Manager
	jobs         JobReader
	checks       map[string]Pinger
	maxChunkSize int64
	logger       *slog.Logger
}

// NewHandler creates a REST handler. checks name the dependencies /healthz
// reports on.
func NewHandler(
	uploads *upload.Manager,
	jobs JobReader,
	cfg config.UploadConfig,
	checks map[string]Pinger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		uploads:      uploads,
		jobs:         jobs,
		checks:       checks,
		maxChunkSize: cfg.MaxChunkSize,
		logger:       logger,
	}
}

// RegisterRoutes attaches all REST routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RouteInitiate, h.initiate)
	mux.HandleFunc(RouteChunk, h.chunk)
	mux.HandleFunc(RouteComplete, h.complete)
	mux.HandleFunc(RouteUploadStatus, h.uploadStatus)
	mux.HandleFunc(RouteJob, h.getJob)
	mux.HandleFunc(RouteHealth, h.healthz)
}

// requestLogger tags the request with an id, reusing X-Request-ID when the
// client sends one.
func (h *Handler) requestLogger(w http.ResponseWriter, r *http.Request) *slog.Logger {
	id := r.Header.Get("X-Request-ID")
	if id == "" || len(id) > 64 {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	return h.logger.With(slog.String("request_id", id))
}

// requester identifies the caller for per-client session limits.
func requester(r *http.Request) string {
	if c, ok := ratelimit.CallerFrom(r.Context()); ok {
		return c.Identity()
	}
	return string(ratelimit.ClassGuest) + ":" + ratelimit.ClientIP(r)
}

// ---------- POST /api/v1/upload/initiate ----------

type initiateRequest struct {
	FileName      string `json:"fileName"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	FileHash      string `json:"fileHash"`
	TotalChunks   int    `json:"totalChunks"`
}

type initiateResponse struct {
	SessionID   string    `json:"sessionId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(w, r)

	var req initiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, logger, err)
		return
	}

	s, err := h.uploads.Initiate(r.Context(), upload.InitiateRequest{
		FileName:    req.FileName,
		FileSize:    req.FileSizeBytes,
		FileHash:    req.FileHash,
		TotalChunks: req.TotalChunks,
		Requester:   requester(r),
	})
	if err != nil {
		writeError(w, logger, err)
		return
	}

	logger.Info("upload initiated", slog.String("session_id", s.ID))
	w.Header().Set("Location", apiPrefix+"/upload/"+s.ID)
	writeJSON(w, http.StatusCreated, initiateResponse{
		SessionID:   s.ID,
		ChunkSize:   s.ChunkSize,
		TotalChunks: s.TotalChunks,
		ExpiresAt:   s.ExpiresAt,
	})
}

// ---------- POST /api/v1/upload/chunk ----------

func (h *Handler) chunk(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize+formOverhead)
	if err := r.ParseMultipartForm(h.maxChunkSize + formOverhead); err != nil {
		writeError(w, logger, apperr.Validation("restapi.chunk", "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.FormValue("sessionId")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if sessionID == "" || err != nil {
		writeError(w, logger, apperr.Validation("restapi.chunk", "sessionId and a numeric chunkIndex are required"))
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, logger, apperr.Validation("restapi.chunk", "chunk file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxChunkSize+1))
	if err != nil {
		writeError(w, logger, apperr.Validation("restapi.chunk", "read chunk: %v", err))
		return
	}
	if int64(len(data)) > h.maxChunkSize {
		writeError(w, logger, apperr.Validation("restapi.chunk", "chunk exceeds %d bytes", h.maxChunkSize))
		return
	}

	if err := h.uploads.AcceptChunk(r.Context(), sessionID, index, data, r.FormValue("chunkHash")); err != nil {
		writeError(w, logger.With(slog.String("session_id", sessionID)), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("chunk %d received", index),
	})
}

// ---------- POST /api/v1/upload/complete ----------

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(w, r)

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, logger, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, logger, apperr.Validation("restapi.complete", "sessionId is required"))
		return
	}

	job, err := h.uploads.Complete(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, logger.With(slog.String("session_id", req.SessionID)), err)
		return
	}

	pollURL := apiPrefix + "/jobs/" + job.ID
	logger.Info("upload completed, analysis submitted",
		slog.String("session_id", req.SessionID),
		slog.String("job_id", job.ID),
	)
	w.Header().Set("Location", pollURL)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":   job.ID,
		"pollUrl": pollURL,
	})
}

// ---------- GET /api/v1/upload/{sessionId} ----------

type uploadStatusResponse struct {
	SessionID      string    `json:"sessionId"`
	FileName       string    `json:"fileName"`
	UploadedChunks int       `json:"uploadedChunks"`
	TotalChunks    int       `json:"totalChunks"`
	Progress       float64   `json:"progress"`
	MissingChunks  []int     `json:"missingChunks"`
	Completed      bool      `json:"completed"`
	JobID          string    `json:"jobId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(w, r)

	st, err := h.uploads.GetStatus(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, logger, err)
		return
	}
	missing := st.Missing
	if missing == nil {
		missing = []int{}
	}
	writeJSON(w, http.StatusOK, uploadStatusResponse{
		SessionID:      st.SessionID,
		FileName:       st.FileName,
		UploadedChunks: st.UploadedChunks,
		TotalChunks:    st.TotalChunks,
		Progress:       st.Progress,
		MissingChunks:  missing,
		Completed:      st.Completed,
		JobID:          st.JobID,
		ExpiresAt:      st.ExpiresAt,
	})
}

// ---------- GET /api/v1/jobs/{jobId} ----------

type jobResponse struct {
	JobID        string          `json:"jobId"`
	Status       string          `json:"status"`
	FileName     string          `json:"fileName"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(w, r)

	id := r.PathValue("jobId")
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, logger.With(slog.String("job_id", id)), err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		FileName:     job.FileName,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Result:       job.ResultPayload,
		ErrorMessage: job.ErrorMessage,
	})
}

// ---------- GET /healthz ----------

// healthz probes every registered dependency.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	result := map[string]string{"status": "ok"}
	httpStatus := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			result["status"] = "degraded"
			result[name] = "unreachable: " + err.Error()
			httpStatus = http.StatusServiceUnavailable
			h.logger.Warn("health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			continue
		}
		result[name] = "ok"
	}

	writeJSON(w, httpStatus, result)
}

// ---------- helpers ----------

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("restapi.decode", "invalid JSON body: %v", err)
	}
	return nil
}

// writeError maps err onto a status code and a JSON body. Internal details
// are logged, never returned.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := apperr.HTTPStatus(err)
	if errors.Is(err, context.Canceled) {
		logger.Info("request cancelled", slog.String("error", err.Error()))
	} else if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		logger.Info("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{
		"error": apperr.Message(err),
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
