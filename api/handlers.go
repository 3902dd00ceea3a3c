package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"gigovert/models"
	"gigovert/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Enqueuer hands accepted jobs to the background dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Handler serves the conversion API: submit, poll, download, plus the
// health and metrics surfaces.
type Handler struct {
	store          models.JobStore
	queue          Enqueuer
	files          *services.FileStore
	health         *services.HealthMonitor
	maxUploadBytes int64
}

func NewHandler(
	store models.JobStore,
	queue Enqueuer,
	files *services.FileStore,
	health *services.HealthMonitor,
	maxUploadBytes int64,
) *Handler {
	return &Handler{
		store:          store,
		queue:          queue,
		files:          files,
		health:         health,
		maxUploadBytes: maxUploadBytes,
	}
}

// File types never accepted for upload regardless of declared format.
var dangerousExtensions = []string{".exe", ".bat", ".cmd", ".scr", ".pif", ".com", ".jar"}

// Submit handles POST /api/convert. The multipart body must carry the
// format fields before the file part so the capability table can be
// consulted before a single upload byte is written.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, sizeLimitMessage(h.maxUploadBytes))
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	fields := make(map[string]string)
	jobID := uuid.NewString()
	sourcePath := ""

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.discardUpload(sourcePath)
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			part.Close()
			if err != nil {
				h.discardUpload(sourcePath)
				writeError(w, http.StatusBadRequest, "malformed multipart body")
				return
			}
			fields[part.FormName()] = string(value)
			continue
		}

		status, msg := h.acceptFilePart(fields, part.FileName())
		if msg != "" {
			part.Close()
			writeError(w, status, msg)
			return
		}

		saved, err := h.files.SaveUpload(part, part.FileName(), r.ContentLength, jobID)
		part.Close()
		if err != nil {
			if errors.Is(err, services.ErrTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, sizeLimitMessage(h.maxUploadBytes))
				return
			}
			log.Printf("[API] Upload failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		sourcePath = saved
	}

	h.finishSubmit(w, r, fields, jobID, sourcePath)
}

// acceptFilePart validates the request state at the moment the file part
// arrives. Returns a non-empty message on rejection.
func (h *Handler) acceptFilePart(fields map[string]string, filename string) (int, string) {
	from, to, source := fields["from"], fields["to"], fields["source"]
	if from == "" || to == "" || source == "" {
		return http.StatusBadRequest, "Missing required parameters"
	}
	if source != "upload" {
		return http.StatusBadRequest, "unexpected file for non-upload source"
	}
	if !models.SupportedConversion(from, to) {
		return http.StatusBadRequest, "Unsupported conversion"
	}
	lower := strings.ToLower(filename)
	for _, ext := range dangerousExtensions {
		if strings.HasSuffix(lower, ext) {
			return http.StatusBadRequest, "File type not allowed for security reasons."
		}
	}
	return http.StatusOK, ""
}

func (h *Handler) finishSubmit(w http.ResponseWriter, r *http.Request, fields map[string]string, jobID, sourcePath string) {
	from, to, source := fields["from"], fields["to"], fields["source"]
	if from == "" || to == "" || source == "" {
		h.discardUpload(sourcePath)
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	if !models.SupportedConversion(from, to) {
		h.discardUpload(sourcePath)
		writeError(w, http.StatusBadRequest, "Unsupported conversion")
		return
	}

	job := models.NewJob(from, to)
	job.JobID = jobID

	switch source {
	case "youtube":
		url := fields["url"]
		if url == "" {
			writeError(w, http.StatusBadRequest, "YouTube URL required")
			return
		}
		job.SourceURL = url
	case "upload":
		if sourcePath == "" {
			writeError(w, http.StatusBadRequest, "File required")
			return
		}
		job.SourceFilePath = sourcePath
	default:
		h.discardUpload(sourcePath)
		writeError(w, http.StatusBadRequest, "unknown source type")
		return
	}

	if err := h.store.Create(r.Context(), job); err != nil {
		h.discardUpload(sourcePath)
		log.Printf("[API] Failed to create job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := h.queue.Enqueue(r.Context(), job.JobID); err != nil {
		// The record exists but no worker will ever see it; fail it so the
		// client's poll reports a terminal state instead of queued forever.
		log.Printf("[API] Failed to enqueue job %s: %v", job.JobID, err)
		if failErr := h.store.ForceFail(r.Context(), job.JobID, "failed to queue job for processing"); failErr != nil {
			log.Printf("[API] Failed to mark job %s failed: %v", job.JobID, failErr)
		}
		h.discardUpload(sourcePath)
		writeError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}

	log.Printf("[API] Accepted job %s (%s -> %s, source=%s)", job.JobID, from, to, source)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

func (h *Handler) discardUpload(sourcePath string) {
	if sourcePath == "" {
		return
	}
	if err := h.files.Remove(sourcePath); err != nil {
		log.Printf("[API] Failed to remove rejected upload %s: %v", sourcePath, err)
	}
}

// JobStatus handles GET /api/status/{id}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":        job.JobID,
		"status":        job.Status,
		"progress":      job.Progress,
		"error_message": job.ErrorMessage,
	})
}

// Download handles GET /api/download/{id}. Permitted only once the job has
// reached terminal success.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Job not completed")
		return
	}
	if job.ConvertedFilePath == "" {
		writeError(w, http.StatusNotFound, "Converted file not found")
		return
	}
	if _, err := os.Stat(job.ConvertedFilePath); err != nil {
		writeError(w, http.StatusNotFound, "Converted file not found")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "converted."+job.ToFormat))
	http.ServeFile(w, r, job.ConvertedFilePath)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if _, err := h.store.CountByStatus(r.Context(), models.StatusQueued); err != nil {
		dbStatus = fmt.Sprintf("unhealthy: %v", err)
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "healthy" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  dbStatus,
		"service":   "Universal File Converter",
		"version":   "1.0.0",
	})
}

// Metrics handles GET /api/metrics: job counts by status plus the
// process-wide activity counters.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, 4)
	total := 0
	for _, status := range []models.Status{
		models.StatusQueued, models.StatusProcessing,
		models.StatusCompleted, models.StatusFailed,
	} {
		n, err := h.store.CountByStatus(r.Context(), status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get metrics: %v", err))
			return
		}
		counts[string(status)] = n
		total += n
	}

	successRate := 0.0
	if total > 0 {
		successRate = float64(counts[string(models.StatusCompleted)]) / float64(total) * 100
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"jobs": map[string]interface{}{
			"total":                total,
			"queued":               counts[string(models.StatusQueued)],
			"processing":           counts[string(models.StatusProcessing)],
			"completed":            counts[string(models.StatusCompleted)],
			"failed":               counts[string(models.StatusFailed)],
			"success_rate_percent": successRate,
		},
		"application": h.health.Snapshot(),
	})
}

// ServiceStatus handles GET /api/status: last-24h activity summary.
func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	stats, err := h.store.RecentStats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get status: %v", err))
		return
	}

	queued, _ := h.store.CountByStatus(r.Context(), models.StatusQueued)
	processing, _ := h.store.CountByStatus(r.Context(), models.StatusProcessing)

	successRate := 0.0
	if stats.Total > 0 {
		successRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"service":        "Universal File Converter",
		"version":        "1.0.0",
		"uptime_seconds": h.health.Snapshot().UptimeSeconds,
		"recent_activity": map[string]interface{}{
			"last_24h_jobs":        stats.Total,
			"last_24h_completed":   stats.Completed,
			"last_24h_failed":      stats.Failed,
			"success_rate_percent": successRate,
		},
		"popular_conversions": stats.ByConversion,
		"current_queue_size":  queued,
		"active_conversions":  processing,
	})
}

// SupportedConversions handles GET /api/conversions: the capability table,
// for client-side format discovery.
func (h *Handler) SupportedConversions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversions": models.Conversions(),
	})
}

// CountRequests bumps the process-wide request counter.
func (h *Handler) CountRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.health.IncrementRequests()
		next.ServeHTTP(w, r)
	})
}

func sizeLimitMessage(limit int64) string {
	switch {
	case limit >= 1<<30:
		return fmt.Sprintf("File too large. Maximum size is %dGB.", limit>>30)
	case limit >= 1<<20:
		return fmt.Sprintf("File too large. Maximum size is %dMB.", limit>>20)
	default:
		return fmt.Sprintf("File too large. Maximum size is %d bytes.", limit)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
