package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"epdhal/internal/bscmd"
	"epdhal/internal/config"
	"epdhal/internal/controller"
	appLog "epdhal/internal/log"
)

// Device is the controller surface the API drives.
type Device interface {
	Status() controller.Status
	PowerState() controller.PowerState
	SetPowerState(controller.PowerState) error
	RecentCommands(k int) []bscmd.LogEntry
	FullUpdate(controller.UpdateKind) error
	MaybeRepair() error
	Temperature() (int8, error)
}

// Server provides the HTTP status/control API for one controller.
type Server struct {
	cfg *config.Config
	dev Device
	mux *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, dev Device) *Server {
	s := &Server{
		cfg: cfg,
		dev: dev,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdhal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the API on cfg.Listen until ctx is canceled, then shuts the
// server down gracefully.
func Serve(ctx context.Context, cfg *config.Config, dev Device) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewServer(cfg, dev).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/power", s.handlePower)
	s.mux.HandleFunc("/api/commands", s.handleCommands)
	s.mux.HandleFunc("/api/update", s.handleUpdate)
	s.mux.HandleFunc("/api/repair", s.handleRepair)
	s.mux.HandleFunc("/api/temperature", s.handleTemperature)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.dev.Status())
}

type powerRequest struct {
	State string `json:"state"`
}

type powerResponse struct {
	State string `json:"state"`
}

// handlePower reports or changes the controller power state.
//
//	GET  /api/power
//	POST /api/power {"state":"sleep"}
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		var req powerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		state, err := controller.ParsePowerState(req.State)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Info("api power request", "state", state)
		if err := s.dev.SetPowerState(state); err != nil {
			writeDeviceError(w, "power transition failed", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, powerResponse{State: s.dev.PowerState().String()})
}

type commandDTO struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Op    string    `json:"op"`
	Type  string    `json:"type"`
	Args  []uint16  `json:"args,omitempty"`
	Sub   string    `json:"sub,omitempty"`
	Words int       `json:"words,omitempty"`
}

// handleCommands returns the most recent entries of the command log.
//
// GET /api/commands?n=16
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	n := parseIntDefault(r.URL.Query().Get("n"), bscmd.DefaultFailureDepth)
	if n <= 0 {
		n = bscmd.DefaultFailureDepth
	}
	entries := s.dev.RecentCommands(n)
	out := make([]commandDTO, 0, len(entries))
	for _, e := range entries {
		d := commandDTO{
			Seq:   e.Seq,
			Time:  e.Time,
			Op:    e.Op.String(),
			Type:  e.Type.String(),
			Args:  e.Args,
			Words: e.Words,
		}
		if e.HasSub {
			d.Sub = e.Sub.String()
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

type updateRequest struct {
	Flashing bool `json:"flashing"`
	Fast     bool `json:"fast"`
}

// handleUpdate redraws the panel from the controller's framebuffer.
//
// POST /api/update {"flashing":true}
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req updateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	var kind controller.UpdateKind
	if req.Flashing {
		kind |= controller.KindFlashing
	}
	if req.Fast {
		kind |= controller.KindFast
	}
	if err := s.dev.FullUpdate(kind); err != nil {
		writeDeviceError(w, "update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.dev.Status())
}

// handleRepair runs the repair decision immediately.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := s.dev.MaybeRepair(); err != nil {
		writeDeviceError(w, "repair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.dev.Status())
}

type temperatureResponse struct {
	Celsius int8 `json:"celsius"`
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	t, err := s.dev.Temperature()
	if err != nil {
		writeDeviceError(w, "temperature read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, temperatureResponse{Celsius: t})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", joinMethods(methods))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func joinMethods(ms []string) string {
	out := ""
	for i, m := range ms {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}

// writeDeviceError maps controller errors to HTTP statuses: state
// conflicts are 409, an unresponsive controller 503, the rest 500.
func writeDeviceError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrBadTransition),
		errors.Is(err, controller.ErrNotRunning),
		errors.Is(err, controller.ErrNoWaveform):
		status = http.StatusConflict
	case errors.Is(err, bscmd.ErrHardwareUnresponsive):
		status = http.StatusServiceUnavailable
	}
	appLog.Error("api: "+msg, err)
	writeError(w, status, msg+": "+err.Error())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
