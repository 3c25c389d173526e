package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignatij/flowsched/internal/log"
	internal_service "github.com/ignatij/flowsched/internal/service"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/service"
	"github.com/ignatij/flowsched/pkg/storage"
)

// Server exposes a Scheduler over JSON.
type Server struct {
	scheduler *service.Scheduler
	batches   *internal_service.BatchService
	notify    func()
}

type Option func(*Server)

// WithNotifier registers a hook run whenever a request may have made tasks
// READY, e.g. to wake an idle worker pool.
func WithNotifier(notify func()) Option {
	return func(s *Server) { s.notify = notify }
}

func NewServer(scheduler *service.Scheduler, opts ...Option) *Server {
	s := &Server{
		scheduler: scheduler,
		batches:   internal_service.NewBatchService(scheduler),
		notify:    func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /tasks", s.submitHandler)
	mux.HandleFunc("POST /tasks/batch", s.batchHandler)
	mux.HandleFunc("GET /tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("GET /tasks/{id}/priority", s.explainHandler)
	mux.HandleFunc("POST /tasks/{id}/complete", s.completeHandler)
	mux.HandleFunc("POST /tasks/{id}/fail", s.failHandler)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("POST /dispatch", s.dispatchHandler)
	mux.HandleFunc("POST /order", s.orderHandler)
	mux.HandleFunc("POST /priorities", s.prioritiesHandler)
	mux.HandleFunc("POST /cache/invalidate", s.invalidateHandler)
	return mux
}

// StartServer serves s on port until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, port string, s *Server) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting flowsched server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.GetLogger().Infof("Shutting down flowsched server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowsched server is running")
}

type submitRequest struct {
	Task         models.Task         `json:"task"`
	Dependencies []models.Dependency `json:"dependencies"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string   `json:"error"`
	Cycle []string `json:"cycle,omitempty"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.scheduler.SubmitTask(r.Context(), req.Task, req.Dependencies)
	if err != nil && id == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		log.GetLogger().Warnf("Task %s stored but not evaluated: %v", id, err)
	}
	s.notify()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
	var batch internal_service.Batch
	if !decode(w, r, &batch) {
		return
	}
	ids, err := s.batches.Submit(r.Context(), batch)
	if len(ids) > 0 {
		s.notify()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) explainHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.scheduler.ExplainPriority(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	unblocked, err := s.scheduler.OnTaskCompleted(r.Context(), r.PathValue("id"))
	s.writeUnblocked(w, unblocked, err)
}

func (s *Server) failHandler(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	unblocked, err := s.scheduler.FailTask(r.Context(), r.PathValue("id"), req.Reason)
	s.writeUnblocked(w, unblocked, err)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	unblocked, err := s.scheduler.CancelTask(r.Context(), r.PathValue("id"))
	s.writeUnblocked(w, unblocked, err)
}

func (s *Server) writeUnblocked(w http.ResponseWriter, unblocked []string, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if len(unblocked) > 0 {
		s.notify()
	}
	if unblocked == nil {
		unblocked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"unblocked": unblocked})
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.DequeueNextReadyTask(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := s.scheduler.GetExecutionOrder(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"order": order})
}

func (s *Server) prioritiesHandler(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	scores, err := s.scheduler.RecalculatePriorities(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]float64{"scores": scores})
}

func (s *Server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	s.scheduler.InvalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

// statusFor maps scheduler errors onto HTTP statuses. Limit errors are also
// validation errors, so they are checked first.
func statusFor(err error) int {
	var cde *models.CircularDependencyError
	var lee *models.LimitExceededError
	var ite *models.InvalidTransitionError
	switch {
	case errors.As(err, &cde):
		return http.StatusConflict
	case errors.As(err, &lee):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ite):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	resp := errorResponse{Error: err.Error()}
	var cde *models.CircularDependencyError
	if errors.As(err, &cde) {
		resp.Cycle = cde.Path
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
