package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/meetflow/internal/log"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/service"
	"github.com/pkg/errors"
)

// maxUploadBytes bounds multipart uploads held in memory before spilling to disk.
const maxUploadBytes = 32 << 20

// TaskAPI is the part of the orchestrator exposed over HTTP.
type TaskAPI interface {
	Submit(ctx context.Context, req service.SubmitRequest) (string, error)
	GetStatus(id string) (models.Task, error)
	GetResult(id string) (*models.MergedResult, error)
	Cancel(id string) error
	List() []models.Task
	Health() service.Health
}

type Server struct {
	api       TaskAPI
	version   string
	uploadDir string
}

// NewServer builds the API. Uploaded files are stored under uploadDir.
func NewServer(api TaskAPI, version, uploadDir string) *Server {
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "meetflow-uploads")
	}
	return &Server{api: api, version: version, uploadDir: uploadDir}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("POST /api/v1/analyze", s.AnalyzeHandler)
	mux.HandleFunc("GET /api/v1/status/{id}", s.StatusHandler)
	mux.HandleFunc("GET /api/v1/result/{id}", s.ResultHandler)
	mux.HandleFunc("POST /api/v1/cancel/{id}", s.CancelHandler)
	mux.HandleFunc("GET /api/v1/tasks", s.TasksHandler)
	return mux
}

// StartServer serves until ctx ends, then shuts down gracefully.
func StartServer(ctx context.Context, addr string, s *Server, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting meetflow server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.GetLogger().Infof("Shutting down meetflow server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	return nil
}

type taskView struct {
	TaskID    string               `json:"task_id"`
	Status    models.TaskStatus    `json:"status"`
	Progress  int                  `json:"progress"`
	Stage     string               `json:"stage,omitempty"`
	CacheHit  bool                 `json:"cache_hit"`
	Error     *models.TaskError    `json:"error,omitempty"`
	Stages    []models.StageRecord `json:"stages,omitempty"`
	AudioPath string               `json:"audio_path"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func viewOf(t models.Task) taskView {
	return taskView{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Stage:     t.Stage,
		CacheHit:  t.CacheHit,
		Error:     t.Error,
		Stages:    t.Stages,
		AudioPath: t.Input.AudioPath,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	if te, ok := models.AsTaskError(err); ok {
		status := http.StatusUnprocessableEntity
		if te.Code == models.ValidationErrorCode {
			status = http.StatusBadRequest
		}
		writeTaskError(w, status, te)
		return
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
	case errors.Is(err, models.ErrNotReady):
		writeError(w, http.StatusConflict, "NOT_READY", "task has not completed yet")
	case errors.Is(err, models.ErrCancelled):
		writeError(w, http.StatusGone, "CANCELLED", "task was cancelled")
	case errors.Is(err, models.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL", "too many tasks queued, retry later")
	case errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
	default:
		log.GetLogger().Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeTaskError(w http.ResponseWriter, status int, te *models.TaskError) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code: string(te.Code), Message: te.Message, Stage: te.Stage, Agent: te.Agent,
	}})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h := s.api.Health()
	status, code := "healthy", http.StatusOK
	if !h.Accepting {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"version":        s.version,
		"accepting":      h.Accepting,
		"queued":         h.Queued,
		"running":        h.Running,
		"capacity":       h.Capacity,
		"queue_capacity": h.QueueCapacity,
		"cached_results": h.CachedResults,
	})
}

// AnalyzeHandler accepts either a JSON body naming a file the server can
// read, or a multipart upload with the audio in the "file" field.
func (s *Server) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	var (
		req service.SubmitRequest
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err = json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(models.ValidationErrorCode), "invalid JSON body")
			return
		}
	} else {
		req, err = s.fromUpload(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}

	id, err := s.api.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	task, err := s.api.GetStatus(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.GetLogger().Infof("Accepted task %s for %s", id, req.AudioPath)
	writeJSON(w, http.StatusAccepted, viewOf(task))
}

func (s *Server) fromUpload(r *http.Request) (service.SubmitRequest, error) {
	var req service.SubmitRequest
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return req, models.ValidationError("expected a JSON body or a multipart upload")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return req, models.ValidationError("missing file field")
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return req, errors.Wrap(err, "create upload dir")
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+filepath.Ext(header.Filename))
	out, err := os.Create(path)
	if err != nil {
		return req, errors.Wrap(err, "store upload")
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return req, errors.Wrap(err, "store upload")
	}

	req.AudioPath = path
	req.Options.Language = r.FormValue("language")
	if v := r.FormValue("num_speakers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, models.ValidationError("num_speakers must be an integer")
		}
		req.Options.NumSpeakers = n
	}
	req.Options.EnableEmotion = formBool(r, "enable_emotion", true)
	req.Options.EnableContext = formBool(r, "enable_context", true)
	return req, nil
}

func formBool(r *http.Request, key string, def bool) bool {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.api.GetStatus(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) ResultHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.GetResult(r.PathValue("id"))
	if err != nil {
		// A failed task answers with its own error, whatever its kind.
		if te, ok := models.AsTaskError(err); ok {
			writeTaskError(w, http.StatusUnprocessableEntity, te)
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.api.Cancel(id); err != nil {
		writeServiceError(w, err)
		return
	}
	task, err := s.api.GetStatus(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) TasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks := s.api.List()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": views, "count": len(views)})
}
