package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers /healthz with OK while the check passes.
type HealthzServer struct {
	log      log.Logger
	server   *http.Server
	listener net.Listener
	check    func() error
	stopped  atomic.Bool
}

// NewHealthzServer creates a healthz server. A nil check always passes.
func NewHealthzServer(logger log.Logger, check func() error) *HealthzServer {
	return &HealthzServer{log: logger, check: check}
}

// Start listens on host:port and serves in the background.
func (h *HealthzServer) Start(host string, port int) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = listener
	h.server = &http.Server{
		Handler:           c.Handler(hdlr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("Healthz server failed", "err", err)
		}
	}()
	h.log.Info("Started healthz server", "addr", listener.Addr())
	return nil
}

// Addr returns the address the server listens on.
func (h *HealthzServer) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	if h.server == nil || !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Trace("Received health check request", "path", r.URL.Path)
	if h.check != nil {
		if err := h.check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
