package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/mrs-core/internal/audit"
)

// handleListEvents returns a page of the task event log, newest first.
//
// Query parameters:
//   - task_id: only this task's events
//   - event: filter by event name (TASK_CREATED, QUEUED, TASK_DONE, ...)
//   - reason: filter by reason code (BANK_BUSY, PREEMPT, ...)
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Event:  audit.Event(q.Get("event")),
		Reason: audit.Reason(q.Get("reason")),
	}

	if v := q.Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeBadRequest(w, "task_id must be an integer")
			return
		}
		filter.TaskID = id
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset"); !ok {
		return
	}

	result, err := s.store.Events().List(r.Context(), filter)
	if err != nil {
		s.engineFailure(w, r, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
