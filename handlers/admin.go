package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"darkreel/services/sessions"
)

// AdminHandler exposes maintenance endpoints for privileged users.
type AdminHandler struct {
	store    sessions.Store
	sweepAge time.Duration
}

// NewAdminHandler creates a new admin handler. sweepAge is the age past
// which session records are considered dead.
func NewAdminHandler(store sessions.Store, sweepAge time.Duration) *AdminHandler {
	return &AdminHandler{store: store, sweepAge: sweepAge}
}

// Sweep runs the session cleanup pass on demand and reports how many
// records it removed. The same pass also runs on a timer; this endpoint
// exists so an operator can force it after changing the idle lifetime.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.Sweep(time.Now().UTC(), h.sweepAge)
	if err != nil {
		log.Printf("session sweep failed: %v", err)
		http.Error(w, `{"error": "sweep failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"deleted": deleted})
}
