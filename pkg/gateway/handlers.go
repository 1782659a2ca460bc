package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/memory"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

type submitRequest struct {
	ID        string             `json:"id"`
	Content   string             `json:"content"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
	Tags      map[string]float64 `json:"tags,omitempty"`
}

type pipelineFailure struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind"`
	Stage     string   `json:"stage"`
	Completed []string `json:"completed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Seconds(),
		"records": s.agent.Store().Len(),
		"samples": s.agent.Tracker().Len(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	exp := pipeline.NewExperience(req.ID, req.Content, ts, req.Tags)

	resp, err := s.agent.Submit(r.Context(), exp)
	if err != nil {
		var perr *pipeline.PipelineError
		if !errors.As(err, &perr) || perr.Cause == nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, statusForKind(perr.Cause.Kind), pipelineFailure{
			Error:     err.Error(),
			Kind:      perr.Cause.Kind.String(),
			Stage:     perr.Cause.Stage,
			Completed: perr.Completed,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusForKind(k pipeline.ErrorKind) int {
	switch k {
	case pipeline.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := memory.Category(strings.ToLower(q.Get("category")))
	if category != "" && !category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	limit := s.cfg.ListLimit
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	var pred func(memory.MemoryRecord) bool
	if q.Get("compressed") == "true" {
		pred = func(rec memory.MemoryRecord) bool { return rec.Compressed }
	}

	records := s.agent.Store().List(category, pred)
	total := len(records)
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"records": records,
	})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	opts := memory.RecallOptions{Category: memory.Category(strings.ToLower(q.Get("category")))}
	if opts.Category != "" && !opts.Category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			opts.Limit = min(n, s.cfg.ListLimit)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query": query,
		"hits":  s.agent.Store().Recall(query, opts),
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	store := s.agent.Store()

	rec, ok := store.Get(id)
	if !ok {
		body := map[string]any{"error": "memory not found", "id": id}
		if live, found := store.Resolve(id); found {
			body["error"] = "memory absorbed"
			body["resolved_id"] = live
		}
		writeJSON(w, http.StatusNotFound, body)
		return
	}
	body := map[string]any{"record": rec}
	if group, ok := store.Group(id); ok {
		body["group"] = group
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bump := r.URL.Query().Get("bump") != "false"

	rec, ok, err := s.agent.Store().Touch(r.Context(), id, bump)
	switch {
	case errors.Is(err, memory.ErrRecordRetired):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		logger.WarnCF("gateway", "Touch failed", map[string]interface{}{"id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "memory not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	window := 0
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = n
	}
	writeJSON(w, http.StatusOK, s.agent.Tracker().Trajectory(window))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.DebugCF("gateway", "Response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
