// ABOUTME: HTTP handlers for the machine API under /api/machine
// ABOUTME: Maps registry operations and their typed errors onto status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/wol-gateway/internal/machine"
)

// maxTaskRunsLimit caps the limit query parameter of the task_runs route.
const maxTaskRunsLimit = 500

// ListMachinesResponse is the JSON response for GET /api/machine/list.
type ListMachinesResponse struct {
	Machines []machine.Info `json:"machines"`
}

// OpenSessionError is the JSON body of a failed open_vdi request.
type OpenSessionError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// PushTaskRequest is the JSON body of POST /api/machine/{name}/task.
type PushTaskRequest struct {
	ID *int `json:"id"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/machine/list", g.handleList)
	mux.HandleFunc("GET /api/machine/list_ws", g.handleListWS)
	mux.HandleFunc("GET /api/machine/agent", g.handleAgent)
	mux.HandleFunc("GET /api/machine/ssh/{name}/connect", g.handleSSH)

	mux.HandleFunc("POST /api/machine/{name}/wake", g.handleWake)
	mux.HandleFunc("POST /api/machine/{name}/shutdown", g.handleShutdown)
	mux.HandleFunc("POST /api/machine/{name}/task", g.handleTask)
	mux.HandleFunc("POST /api/machine/{name}/open_vdi", g.handleOpenSession)
	mux.HandleFunc("GET /api/machine/{name}/task_runs", g.handleTaskRuns)
}

// handleList handles GET /api/machine/list.
func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListMachinesResponse{Machines: g.registry.List()})
}

// handleWake handles POST /api/machine/{name}/wake.
func (g *Gateway) handleWake(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := g.parseDryRun(w, r)
	if !ok {
		return
	}

	msg, err := g.registry.Wake(r.Context(), r.PathValue("name"), dryRun)
	if err != nil {
		g.sendRegistryError(w, err)
		return
	}
	writeText(w, msg)
}

// handleShutdown handles POST /api/machine/{name}/shutdown.
// A failed poweroff is still a 200; the message says what went wrong.
func (g *Gateway) handleShutdown(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := g.parseDryRun(w, r)
	if !ok {
		return
	}

	msg, err := g.registry.Shutdown(r.Context(), r.PathValue("name"), dryRun)
	if err != nil {
		g.sendRegistryError(w, err)
		return
	}
	writeText(w, msg)
}

// handleTask handles POST /api/machine/{name}/task.
func (g *Gateway) handleTask(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := g.parseDryRun(w, r)
	if !ok {
		return
	}

	var req PushTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID == nil {
		g.sendJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	msg, err := g.registry.PushTask(r.Context(), r.PathValue("name"), machine.Task{ID: *req.ID}, dryRun)
	if err != nil {
		g.sendRegistryError(w, err)
		return
	}
	writeText(w, msg)
}

// handleOpenSession handles POST /api/machine/{name}/open_vdi.
func (g *Gateway) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := g.registry.OpenSession(r.Context(), name)
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	var body OpenSessionError
	switch {
	case errors.Is(err, machine.ErrMachineNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Machine does not exist")
		return
	case errors.Is(err, machine.ErrAlreadyOpened):
		body.Error = "already_opened"
	case errors.Is(err, machine.ErrNotConnected):
		body.Error = "not_connected"
	case errors.Is(err, machine.ErrSendFailed):
		body.Error = "send_failed"
		body.Detail = err.Error()
	default:
		g.logger.Error("open session failed", "machine", name, "error", err)
		body.Error = "internal"
		body.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

// handleTaskRuns handles GET /api/machine/{name}/task_runs?limit=n.
func (g *Gateway) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := g.registry.Get(name); err != nil {
		g.sendRegistryError(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTaskRunsLimit)
	}

	runs, err := g.store.ListTaskRuns(r.Context(), name, limit)
	if err != nil {
		g.logger.Error("failed to list task runs", "machine", name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_runs": runs})
}

// parseDryRun returns the server default unless the request overrides it
// with ?dry_run=true|false. Writes a 400 and returns false on a bad value.
func (g *Gateway) parseDryRun(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := r.URL.Query().Get("dry_run")
	if raw == "" {
		return g.config.Server.DryRun, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "dry_run must be true or false")
		return false, false
	}
	return v, true
}

// sendRegistryError maps a registry error to a status code.
func (g *Gateway) sendRegistryError(w http.ResponseWriter, err error) {
	var outOfRange *machine.TaskOutOfRangeError
	var wakeErr *machine.WakeError
	switch {
	case errors.Is(err, machine.ErrMachineNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Machine does not exist")
	case errors.As(err, &outOfRange):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &wakeErr):
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		g.logger.Error("machine operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}
