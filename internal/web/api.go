package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/runner"
	"github.com/mtzanidakis/swarmcrew/internal/scheduler"
	"github.com/mtzanidakis/swarmcrew/internal/swarm"
)

const defaultRunsLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Nodes
	mux.HandleFunc("GET /api/nodes", s.listNodes)
	mux.HandleFunc("POST /api/nodes", s.registerNode)
	mux.HandleFunc("GET /api/nodes/{id}", s.getNode)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.removeNode)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.Nodes())
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.manager.Node(r.PathValue("id"))
	if !ok {
		jsonError(w, "node not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, n)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var body config.NodeEntry
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ID == "" || body.Address == "" || len(body.Agents) == 0 {
		jsonError(w, "id, address and agents are required", http.StatusBadRequest)
		return
	}

	n, err := s.manager.RegisterNode(r.Context(), body.ID, body.Address, body.Agents)
	if err != nil {
		// The node was unreachable or refused the registration.
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(n)
}

func (s *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	err := s.manager.RemoveNode(r.Context(), r.PathValue("id"))
	if errors.Is(err, swarm.ErrUnknownNode) {
		jsonError(w, "node not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, runs)
}

type runRequest struct {
	Crew   config.CrewDefinition `json:"crew"`
	Inputs map[string]any        `json:"inputs"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Crew.Tasks) == 0 {
		jsonError(w, "crew has no tasks", http.StatusBadRequest)
		return
	}
	if body.Crew.Name == "" {
		body.Crew.Name = "adhoc"
	}

	id, err := s.runner.Launch(body.Crew, body.Inputs)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "running"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

// deleteRun cancels a run that is still executing, otherwise it removes the run
// from history.
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.runner.Cancel(id)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "cancelling"})
		return
	}
	if !errors.Is(err, runner.ErrUnknownRun) {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	found, err := s.store.DeleteRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonResponse(w, []scheduler.Entry{})
		return
	}
	jsonResponse(w, s.scheduler.Entries())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status()

	recent, err := s.store.ListRuns(10)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recentOut := make([]map[string]any, 0, len(recent))
	for _, run := range recent {
		recentOut = append(recentOut, map[string]any{
			"id":     run.ID,
			"name":   run.Name,
			"status": run.Status,
			"time":   formatRunTime(run.StartedAt),
		})
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}
	schedules := 0
	if s.scheduler != nil {
		schedules = len(s.scheduler.Entries())
	}

	jsonResponse(w, map[string]any{
		"status":      "ok",
		"nodes":       st.Counts,
		"nodes_total": len(st.Nodes),
		"queued":      st.Queued,
		"active_runs": s.runner.Active(),
		"schedules":   schedules,
		"recent_runs": recentOut,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"nats":        natsStatus,
		"timestamp":   time.Now().UTC(),
		"version":     s.version,
	})
}

func formatRunTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
