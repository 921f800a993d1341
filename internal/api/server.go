// Package api exposes the agent over HTTP. Commands are JSON bodies and
// answers are JSON documents. A failed command is still a 200 with
// "result": false; a 5xx means the command was aborted.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"

	"github.com/spin-stack/simhost/internal/agent"
	"github.com/spin-stack/simhost/internal/secgroup"
	"github.com/spin-stack/simhost/internal/version"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an agent.
type Server struct {
	agent   *agent.Agent
	metrics http.Handler
	router  *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer builds the router for a.
func NewServer(a *agent.Agent, opts ...Option) *Server {
	s := &Server{agent: a}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(), recovery())

	h := r.PathPrefix("/hosts/{guid}").Subrouter()
	h.HandleFunc("/vms/start", s.handleStart).Methods(http.MethodPost)
	h.HandleFunc("/vms/states", s.handleListStates).Methods(http.MethodGet)
	h.HandleFunc("/vms", s.handleListVMs).Methods(http.MethodGet)
	h.HandleFunc("/vms/{name}/stop", s.handleStop).Methods(http.MethodPost)
	h.HandleFunc("/vms/{name}/reboot", s.handleReboot).Methods(http.MethodPost)
	h.HandleFunc("/vms/{name}/migrate", s.handleMigrate).Methods(http.MethodPost)
	h.HandleFunc("/security-groups/rules", s.handleApplyRules).Methods(http.MethodPost)
	h.HandleFunc("/security-groups/sync", s.handleSyncRules).Methods(http.MethodGet)
	h.HandleFunc("/security-groups/cleanup", s.handleCleanupRules).Methods(http.MethodPost)
	h.HandleFunc("/enable", s.handleSetEnabled(true)).Methods(http.MethodPost)
	h.HandleFunc("/disable", s.handleSetEnabled(false)).Methods(http.MethodPost)

	r.HandleFunc("/vms/{name}/state", s.handleCheckState).Methods(http.MethodGet)
	r.HandleFunc("/routers/{name}/status", s.handleCheckRouter).Methods(http.MethodGet)
	r.HandleFunc("/routers/{name}/bump-priority", s.handleBumpPriority).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cmd agent.StartCommand
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.VM.Name == "" {
		writeError(w, http.StatusBadRequest, "vm.name is required")
		return
	}
	ans, err := s.agent.Start(r.Context(), mux.Vars(r)["guid"], cmd)
	respond(w, r, ans, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ans, err := s.agent.Stop(r.Context(), mux.Vars(r)["name"])
	respond(w, r, ans, err)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	ans, err := s.agent.Reboot(r.Context(), mux.Vars(r)["name"])
	respond(w, r, ans, err)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		DestHostGUID string `json:"dest_host_guid"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.DestHostGUID == "" {
		writeError(w, http.StatusBadRequest, "dest_host_guid is required")
		return
	}
	ans, err := s.agent.Migrate(r.Context(), vars["guid"], agent.MigrateCommand{
		VMName:       vars["name"],
		DestHostGUID: body.DestHostGUID,
	})
	respond(w, r, ans, err)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.agent.ListVMs(r.Context(), mux.Vars(r)["guid"])
	respond(w, r, vms, err)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.agent.ListVMStates(r.Context(), mux.Vars(r)["guid"])
	respond(w, r, states, err)
}

func (s *Server) handleCheckState(w http.ResponseWriter, r *http.Request) {
	ans, err := s.agent.CheckVMState(r.Context(), mux.Vars(r)["name"])
	respond(w, r, ans, err)
}

func (s *Server) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	var cmd secgroup.Command
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.VMName == "" {
		writeError(w, http.StatusBadRequest, "vm_name is required")
		return
	}
	writeJSON(w, http.StatusOK, s.agent.ApplySecurityRules(r.Context(), mux.Vars(r)["guid"], cmd))
}

func (s *Server) handleSyncRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.SyncSecurityGroups(mux.Vars(r)["guid"]))
}

func (s *Server) handleCleanupRules(w http.ResponseWriter, r *http.Request) {
	ans, err := s.agent.CleanupRules(r.Context(), mux.Vars(r)["guid"])
	respond(w, r, ans, err)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ans, err := s.agent.SetEnabled(r.Context(), mux.Vars(r)["guid"], enabled)
		respond(w, r, ans, err)
	}
}

func (s *Server) handleCheckRouter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.CheckRouter(r.Context(), mux.Vars(r)["name"]))
}

func (s *Server) handleBumpPriority(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.BumpPriority(r.Context(), mux.Vars(r)["name"]))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		log.G(r.Context()).WithError(err).Error("command aborted")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
