// Package server exposes the conductor's illustrative HTTP surface per
// spec.md §6: CRUD over workers/tasks/flows, backed directly by the
// Storage Gateway, TaskRunner and FlowCoordinator, plus a websocket
// endpoint streaming a worker's pane. The core does not mandate this
// framing — it is one concrete collaborator wired the way the teacher's
// own ServeMux/writeJSONResponse/writeError plumbing does it.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pquerna/otp/totp"

	"github.com/loppo-llc/conductor/internal/flow"
	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/notify"
	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/store"
	"github.com/loppo-llc/conductor/internal/taskrunner"
	"github.com/loppo-llc/conductor/internal/workerprovision"
)

// Provisioner is the subset of workerprovision.Provisioner the server
// needs, kept as an interface so tests can substitute a fake.
type Provisioner interface {
	CreateWorker(label string) (store.Worker, error)
}

type Server struct {
	gateway     *store.Gateway
	registry    *runtime.Registry
	tasks       *taskrunner.Runner
	flows       *flow.Coordinator
	provisioner Provisioner
	mux         *multiplexer.Adapter
	push        *notify.Manager
	totpSecret  string
	logger      *slog.Logger
	httpSrv     *http.Server
	devMode     bool
	version     string
}

type Config struct {
	Addr            string
	DevMode         bool
	Logger          *slog.Logger
	StaticFS        fs.FS
	Version         string
	Gateway         *store.Gateway
	Registry        *runtime.Registry
	TaskRunner      *taskrunner.Runner
	FlowCoordinator *flow.Coordinator
	Provisioner     *workerprovision.Provisioner
	Multiplexer     *multiplexer.Adapter
	PushManager     *notify.Manager
	AdminTOTPSecret string
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		gateway:    cfg.Gateway,
		registry:   cfg.Registry,
		tasks:      cfg.TaskRunner,
		flows:      cfg.FlowCoordinator,
		mux:        cfg.Multiplexer,
		push:       cfg.PushManager,
		totpSecret: cfg.AdminTOTPSecret,
		logger:     logger,
		devMode:    cfg.DevMode,
		version:    cfg.Version,
	}
	if cfg.Provisioner != nil {
		s.provisioner = cfg.Provisioner
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	mux.HandleFunc("POST /workers", s.handleCreateWorker)
	mux.HandleFunc("GET /workers", s.handleListWorkers)
	mux.HandleFunc("GET /workers/{id}", s.handleGetWorker)
	mux.HandleFunc("DELETE /workers/{id}", s.handleTerminateWorker)
	mux.HandleFunc("GET /workers/{id}/tasks", s.handleListWorkerTasks)
	mux.HandleFunc("POST /workers/{id}/tasks", s.handleCreateTask)

	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)

	mux.HandleFunc("POST /flows/design-refinement", s.handleCreateDesignRefinementFlow)
	mux.HandleFunc("GET /flows/{id}", s.handleGetFlow)

	mux.HandleFunc("GET /workers/{id}/stream", s.handleWebSocket)

	mux.HandleFunc("GET /push/vapid-public-key", s.handlePushPublicKey)
	mux.HandleFunc("POST /push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("DELETE /push/subscribe", s.handlePushUnsubscribe)

	if cfg.DevMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxy)
	} else if cfg.StaticFS != nil {
		fileServer := http.FileServer(http.FS(cfg.StaticFS))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/")
			if path == "" {
				path = "index.html"
			}
			if _, err := fs.Stat(cfg.StaticFS, path); err == nil {
				w.Header().Set("Cache-Control", "no-cache")
				fileServer.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
		})
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) { s.httpSrv.TLSConfig = tlsCfg }

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	return s.httpSrv.Shutdown(ctx)
}

// --- Info ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"version": s.version})
}

// --- Workers ---

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	if s.provisioner == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "worker provisioner not configured")
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	worker, err := s.provisioner.CreateWorker(req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusCreated, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.gateway.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, workers)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.gateway.GetWorker(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "worker not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, worker)
}

// handleTerminateWorker is gated on a TOTP code supplied as ?code=; the
// reference implementation leaves worker termination to an operator, so
// this mirrors the admin-action shape the teacher's own TOTP dependency
// implies without inventing new semantics for it.
func (s *Server) handleTerminateWorker(w http.ResponseWriter, r *http.Request) {
	if s.totpSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "admin actions not configured")
		return
	}
	code := r.URL.Query().Get("code")
	if !totp.Validate(code, s.totpSecret) {
		writeError(w, http.StatusForbidden, "forbidden", "invalid totp code")
		return
	}
	id := r.PathValue("id")
	if _, err := s.gateway.GetWorker(id); err != nil {
		s.writeStoreError(w, err, "worker not found")
		return
	}
	if err := s.gateway.UpdateWorkerStatus(id, store.WorkerTerminated); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if rt := s.registry.Get(id); rt != nil {
		rt.Stop()
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Push subscriptions ---

// handlePushPublicKey returns the VAPID public key a browser needs to
// create a push subscription via the Push API.
func (s *Server) handlePushPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.push.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription body")
		return
	}
	s.push.Subscribe(&sub)
	writeJSONResponse(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	s.push.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Tasks ---

func (s *Server) handleListWorkerTasks(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if _, err := s.gateway.GetWorker(workerID); err != nil {
		s.writeStoreError(w, err, "worker not found")
		return
	}
	tasks, err := s.gateway.ListWorkerTasks(workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req struct {
		Tool   string          `json:"tool"`
		Spec   json.RawMessage `json:"spec"`
		FlowID string          `json:"flow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tool is required")
		return
	}
	task, err := s.tasks.CreateTask(workerID, taskrunner.CreateTaskParams{
		Tool: req.Tool, SpecJSON: req.Spec, FlowID: req.FlowID,
	})
	if err != nil {
		var unsupported taskrunner.ErrUnsupportedTool
		switch {
		case errors.As(err, &unsupported):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "worker not found: "+workerID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.gateway.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "task not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, task)
}

// --- Flows ---

func (s *Server) handleCreateDesignRefinementFlow(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "flow coordinator not configured")
		return
	}
	var req struct {
		WorkerID      string `json:"worker_id"`
		InitialPrompt string `json:"initial_prompt"`
		MaxIterations int    `json:"max_iterations"`
		MinScore      int    `json:"min_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = 6
	}
	if req.MinScore <= 0 {
		req.MinScore = 9
	}
	if _, err := s.gateway.GetWorker(req.WorkerID); err != nil {
		s.writeStoreError(w, err, "worker not found")
		return
	}

	cfgJSON, _ := json.Marshal(flow.Config{
		InitialPrompt: req.InitialPrompt, MaxIterations: req.MaxIterations, MinScore: req.MinScore,
	})
	f, err := s.gateway.CreateFlow(store.Flow{
		Type: store.FlowTypeDesignRefinement, WorkerID: req.WorkerID, Config: cfgJSON,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.flows.Kickoff(context.Background(), f.ID)
	writeJSONResponse(w, http.StatusCreated, f)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.gateway.GetFlow(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "flow not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, f)
}

// --- Helpers ---

func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", notFoundMsg)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
