// Package health provides HTTP health and readiness check handlers for the
// ingest server.
//
// The package exposes three endpoints:
//
//   - /healthz   — liveness probe; always returns 200 OK.
//   - /readyz    — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /ws/health — WebSocket probe; accepts the upgrade, sends one status
//     message with the number of live ingest sessions, and closes. Lets
//     load balancers verify the upgrade path and drain instances before
//     shutdown.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "providers"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status         string            `json:"status"`
	Checks         map[string]string `json:"checks,omitempty"`
	ActiveSessions *int64            `json:"active_sessions,omitempty"`
}

// SessionCounter reports the number of live ingest sessions. Wired to the
// ingest server's session accounting.
type SessionCounter func() int64

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	sessions SessionCounter
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithSessionCounter wires the /ws/health session count source and returns h.
func (h *Handler) WithSessionCounter(fn SessionCounter) *Handler {
	h.sessions = fn
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// WSHealth reports socket-layer health over an actual WebSocket, so probes
// exercise the same upgrade path as ingest sessions. The probe dials,
// receives one status message with the live session count when a
// [SessionCounter] is wired, and the server closes.
func (h *Handler) WSHealth(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	res := result{Status: "ok"}
	if h.sessions != nil {
		n := h.sessions()
		res.ActiveSessions = &n
	}
	payload, err := json.Marshal(res)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode failure")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.CloseNow()
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /ws/health", h.WSHealth)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
