// Package api exposes the cirrusd daemon over an HTTP API on a local
// unix socket. Launch replies are an NDJSON stream (progress lines,
// then one result line); everything else is plain JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/config"
	"github.com/xfeldman/cirrus/internal/daemon"
)

// Server is the cirrusd HTTP API server.
type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	daemon *daemon.Daemon
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates the API server around an orchestrator.
func NewServer(cfg *config.Config, log *zap.Logger, d *daemon.Daemon) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		daemon: d,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/instances", s.handleLaunch)
	s.mux.HandleFunc("GET /v1/instances", s.handleList)
	s.mux.HandleFunc("GET /v1/instances/{name}", s.handleInfo)
	s.mux.HandleFunc("DELETE /v1/instances/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/instances/{name}/start", s.verbHandler(s.daemon.Start))
	s.mux.HandleFunc("POST /v1/instances/{name}/stop", s.verbHandler(s.daemon.Stop))
	s.mux.HandleFunc("POST /v1/instances/{name}/restart", s.verbHandler(s.daemon.Restart))
	s.mux.HandleFunc("POST /v1/instances/{name}/suspend", s.verbHandler(s.daemon.Suspend))
	s.mux.HandleFunc("POST /v1/instances/{name}/recover", s.handleRecover)
	s.mux.HandleFunc("GET /v1/instances/{name}/ssh-info", s.handleSSHInfo)
	s.mux.HandleFunc("POST /v1/instances/{name}/mounts", s.handleMount)
	s.mux.HandleFunc("DELETE /v1/instances/{name}/mounts", s.handleUmount)
	s.mux.HandleFunc("POST /v1/start", s.batchHandler(s.daemon.Start))
	s.mux.HandleFunc("POST /v1/stop", s.batchHandler(s.daemon.Stop))
	s.mux.HandleFunc("POST /v1/restart", s.batchHandler(s.daemon.Restart))
	s.mux.HandleFunc("POST /v1/suspend", s.batchHandler(s.daemon.Suspend))
	s.mux.HandleFunc("POST /v1/purge", s.handlePurge)
	s.mux.HandleFunc("GET /v1/find", s.handleFind)
	s.mux.HandleFunc("GET /v1/networks", s.handleNetworks)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln
	os.Chmod(s.cfg.SocketPath, 0600)

	s.log.Info("cirrusd API listening", zap.String("socket", s.cfg.SocketPath))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusFor maps an orchestrator error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, daemon.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daemon.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, daemon.ErrValidation), errors.Is(err, daemon.ErrInsufficient):
		return http.StatusBadRequest
	case errors.Is(err, daemon.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var wireReq LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, err := wireReq.toDaemon()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	progress := func(kind string, percent int) bool {
		err := streamJSON(w, LaunchEvent{Type: "progress", Kind: kind, Percent: percent})
		return err == nil && r.Context().Err() == nil
	}

	rec, err := s.daemon.Launch(r.Context(), req, progress)
	if err != nil {
		streamJSON(w, LaunchEvent{Type: "error", Error: err.Error()})
		return
	}
	view := viewOf(daemon.InstanceInfo{Record: rec})
	if info, ierr := s.daemon.Info(rec.Description.Name); ierr == nil {
		view = viewOf(info)
	}
	streamJSON(w, LaunchEvent{Type: "result", Instance: &view})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.daemon.List()
	views := make([]InstanceView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOf(info))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.daemon.Info(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "true"
	results := s.daemon.Delete(r.Context(), []string{r.PathValue("name")}, purge)
	writeBatch(w, results)
}

// verbHandler adapts a batch orchestrator verb to a single-instance
// route.
func (s *Server) verbHandler(verb func(context.Context, []string) []daemon.OpResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := verb(r.Context(), []string{r.PathValue("name")})
		writeBatch(w, results)
	}
}

// batchHandler serves the multi-instance form. An empty name list means
// every instance the verb applies to.
func (s *Server) batchHandler(verb func(context.Context, []string) []daemon.OpResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NamesRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, outcomesOf(verb(r.Context(), req.Names)))
	}
}

// writeBatch renders single-name verb results: a lone failure keeps its
// error status, success and multi-results come back per-name.
func writeBatch(w http.ResponseWriter, results []daemon.OpResult) {
	if len(results) == 1 && results[0].Err != nil {
		writeError(w, statusFor(results[0].Err), results[0].Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomesOf(results))
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	writeBatch(w, s.daemon.Recover(r.Context(), []string{r.PathValue("name")}))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Purge(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	infos, err := s.daemon.Find()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workflowViews(infos))
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	ifaces, err := s.daemon.Networks()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	views := make([]NetworkView, 0, len(ifaces))
	for _, ni := range ifaces {
		views = append(views, NetworkView{ID: ni.ID, Type: ni.Type, Description: ni.Description})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSSHInfo(w http.ResponseWriter, r *http.Request) {
	details, err := s.daemon.SSHInfo(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.daemon.Mount(r.PathValue("name"), req.SourcePath, req.TargetPath); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mounted"})
}

func (s *Server) handleUmount(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if err := s.daemon.Umount(r.PathValue("name"), target); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmounted"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.daemon.Version()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// streamJSON writes one newline-delimited JSON value to a flushing
// writer.
func streamJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
