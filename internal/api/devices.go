package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mrs-core/internal/mrs"
)

// handleListDevices returns all MRS devices.
//
// Query parameters:
//   - bank: only devices on this bank
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []mrs.Device
		err     error
	)
	if bank := r.URL.Query().Get("bank"); bank != "" {
		devices, err = s.store.Devices().ListDevicesByBank(r.Context(), bank)
	} else {
		devices, err = s.store.Devices().ListDevices(r.Context())
	}
	if err != nil {
		s.engineFailure(w, r, "list devices", err)
		return
	}
	if devices == nil {
		devices = []mrs.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleListAisles returns all aisles, optionally narrowed to one bank.
func (s *Server) handleListAisles(w http.ResponseWriter, r *http.Request) {
	aisles, err := s.store.Devices().ListAisles(r.Context())
	if err != nil {
		s.engineFailure(w, r, "list aisles", err)
		return
	}

	out := make([]mrs.Aisle, 0, len(aisles))
	bank := r.URL.Query().Get("bank")
	for _, a := range aisles {
		if bank == "" || a.BankCode == bank {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"aisles": out, "count": len(out)})
}

// handleResolveSession closes an aisle left open after a sensor-blocked
// confirmation. The caller asserts the aisle has been cleared.
func (s *Server) handleResolveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.ResolveSession(r.Context(), id, actorFrom(r)); err != nil {
		s.engineFailure(w, r, "resolve session", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device_id": id, "status": "closing"})
}

// handleUnblockAisle returns a BLOCKED aisle to automatic service. The
// caller asserts the aisle is physically closed.
func (s *Server) handleUnblockAisle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.UnblockAisle(r.Context(), id, actorFrom(r)); err != nil {
		s.engineFailure(w, r, "unblock aisle", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aisle_id": id, "status": "CLOSED"})
}
