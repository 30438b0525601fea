package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mrs-core/internal/orchestrator"
	"github.com/nerrad567/mrs-core/internal/task"
)

// submitTaskRequest is the body of POST /tasks.
type submitTaskRequest struct {
	StockItem string    `json:"stock_item"`
	Qty       int       `json:"qty"`
	Priority  int       `json:"priority"`
	Type      task.Type `json:"type"`
	Location  string    `json:"location"`
}

// handleSubmitTask creates a task and routes it. The response is 201 for a
// dispatched task and 202 for a queued one.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	res, err := s.engine.SubmitTask(r.Context(), orchestrator.SubmitRequest{
		StockItem: req.StockItem,
		Qty:       req.Qty,
		Priority:  req.Priority,
		Type:      req.Type,
		Location:  req.Location,
		Actor:     actorFrom(r),
	})
	if err != nil {
		s.engineFailure(w, r, "submit task", err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == orchestrator.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleListTasks returns tasks, newest first.
//
// Query parameters:
//   - status: filter by task status
//   - bank: filter by bank code
//   - aisle: filter by target aisle
//   - limit, offset: pagination (limit defaults to 100, max 1000)
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{
		Status:   task.Status(q.Get("status")),
		BankCode: q.Get("bank"),
		AisleID:  q.Get("aisle"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeBadRequest(w, "unknown status: "+string(filter.Status))
		return
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset"); !ok {
		return
	}

	views, err := s.engine.GetAllTasks(r.Context(), filter)
	if err != nil {
		s.engineFailure(w, r, "list tasks", err)
		return
	}
	if views == nil {
		views = []task.View{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

// handleGetTask returns one task joined with its work request.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	view, err := s.engine.GetTask(r.Context(), id)
	if err != nil {
		s.engineFailure(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTaskEvents returns a task's event history, oldest first. History
// survives deletion, so an unknown ID yields an empty list.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.TaskEvents(r.Context(), id)
	if err != nil {
		s.engineFailure(w, r, "list task events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "count": len(entries)})
}

// handleConfirmTask records the operator's confirmation that they are done
// at the aisle.
func (s *Server) handleConfirmTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Confirm(r.Context(), id, actorFrom(r))
	if err != nil {
		s.engineFailure(w, r, "confirm task", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.CancelQueuedTask(r.Context(), id, actorFrom(r)); err != nil {
		s.engineFailure(w, r, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": task.StatusCancelled})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteQueuedTask(r.Context(), id, actorFrom(r)); err != nil {
		s.engineFailure(w, r, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResubmitWaiting submits a fresh task for an existing work request.
func (s *Server) handleResubmitWaiting(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ResubmitWaiting(r.Context(), id, actorFrom(r))
	if err != nil {
		s.engineFailure(w, r, "resubmit waiting", err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == orchestrator.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// engineFailure writes the mapped error response, logging anything that
// maps to a 500.
func (s *Server) engineFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if writeEngineError(w, err) {
		return
	}
	s.logger.Error(op+" failed", "error", err,
		"request_id", requestIDFrom(r))
	writeInternalError(w, op+" failed")
}

// idParam parses the {id} URL parameter as a positive integer.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// intParam parses an optional non-negative integer query parameter.
func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
