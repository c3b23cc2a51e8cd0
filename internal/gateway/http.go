package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chatrelay/internal/closereason"
	"github.com/chatrelay/internal/session"
)

// HTTPHandler exposes the fallback session-status lookup: a client whose
// transport died polls here to learn why its login failed or its session
// closed. Absence (204) is ambiguous between "succeeded" and "not yet
// recorded" — clients must not infer success from it.
type HTTPHandler struct {
	hub     *Hub
	reasons *closereason.Store
}

func NewHTTPHandler(hub *Hub, reasons *closereason.Store) *HTTPHandler {
	return &HTTPHandler{hub: hub, reasons: reasons}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.hub.ServeWS)
	mux.HandleFunc("/session-status", h.handleSessionStatus)
	mux.HandleFunc("/healthz", h.handleHealth)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	rawDevice, err := strconv.ParseUint(q.Get("device_type"), 10, 8)
	if err != nil || !session.DeviceType(rawDevice).Valid() {
		http.Error(w, "invalid device_type", http.StatusBadRequest)
		return
	}
	device := session.DeviceType(rawDevice)

	var reason session.CloseReason
	var found bool
	switch {
	case q.Get("request_id") != "":
		requestID, err := strconv.ParseInt(q.Get("request_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid request_id", http.StatusBadRequest)
			return
		}
		reason, found = h.reasons.GetLoginFailure(userID, device, requestID)
	case q.Get("session_id") != "":
		sessionID, err := strconv.ParseInt(q.Get("session_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid session_id", http.StatusBadRequest)
			return
		}
		reason, found = h.reasons.GetDisconnection(userID, device, sessionID)
	default:
		http.Error(w, "request_id or session_id required", http.StatusBadRequest)
		return
	}

	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reason)
}
