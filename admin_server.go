package msgrpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a TransportManager over
// HTTP. All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	manager  *TransportManager
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(m *TransportManager, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		manager:  m,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/transports", as.handleTransports)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			as.manager.log.Error("msgrpc admin server stopped", "error", err)
		}
	}()
	as.manager.log.Info("msgrpc admin server started", "addr", as.Addr(), "endpoint", as.manager.endpoint)
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Endpoint         string           `json:"endpoint"`
	ActiveTransports int              `json:"active_transports"`
	LeasedTransports int              `json:"leased_transports"`
	IdleTransports   int              `json:"idle_transports"`
	PendingCalls     int              `json:"pending_calls"`
	Closed           bool             `json:"closed"`
	Metrics          map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m := as.manager
	leased, idle := m.transports.Stats()
	live := m.Transports()
	pending := 0
	for _, ts := range live {
		pending += ts.Pending
	}

	writeJSON(w, statusResponse{
		Endpoint:         m.endpoint,
		ActiveTransports: len(live),
		LeasedTransports: leased,
		IdleTransports:   idle,
		PendingCalls:     pending,
		Closed:           m.closed.Load(),
		Metrics:          m.metrics.Snapshot(),
	})
}

// transportsResponse is the JSON structure for GET /transports.
type transportsResponse struct {
	Transports []TransportStatus `json:"transports"`
}

func (as *AdminServer) handleTransports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	live := as.manager.Transports()
	if live == nil {
		live = []TransportStatus{}
	}
	writeJSON(w, transportsResponse{Transports: live})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("msgrpc admin: write response", "error", err)
	}
}
