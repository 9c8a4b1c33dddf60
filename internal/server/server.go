// Package server assembles the public listener: TLS termination, hostname
// routing, the tunnel control endpoint, and the TCP tunnel manager.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/burrowhq/burrow/internal/server/config"
	"github.com/burrowhq/burrow/internal/server/pending"
	"github.com/burrowhq/burrow/internal/server/proxy"
	"github.com/burrowhq/burrow/internal/server/registry"
	"github.com/burrowhq/burrow/internal/server/reservation"
	"github.com/burrowhq/burrow/internal/server/session"
	"github.com/burrowhq/burrow/internal/server/tcp"
	"github.com/burrowhq/burrow/internal/server/tlsconf"
	"github.com/burrowhq/burrow/internal/server/wsproxy"
	"github.com/burrowhq/burrow/pkg/logger"
)

// ControlPath is the WebSocket endpoint tunnel clients connect to.
const ControlPath = "/tunnel/ws"

// Server owns every routing subsystem and the public listeners.
type Server struct {
	cfg *config.Config

	registry   *registry.Registry
	pending    *pending.Table
	wsProxies  *wsproxy.Registry
	tcpManager *tcp.Manager
	store      *reservation.Store
	tlsMgr     *tlsconf.Manager

	httpsServer *http.Server
	httpServer  *http.Server
	upgrader    websocket.Upgrader
}

// New wires the subsystems from configuration.
func New(cfg *config.Config) (*Server, error) {
	tlsMgr, err := tlsconf.NewManager(tlsconf.Config{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
	})
	if err != nil {
		return nil, err
	}

	tcpManager, err := tcp.NewManager(cfg.Tunnels.TCPPortStart, cfg.Tunnels.TCPPortEnd)
	if err != nil {
		return nil, err
	}

	member, err := os.Hostname()
	if err != nil || member == "" {
		member = cfg.Server.BaseDomain
	}

	s := &Server{
		cfg:        cfg,
		registry:   registry.New(registry.NewLocalDirectory(), member, nil),
		pending:    pending.NewTable(cfg.Tunnels.RequestTimeout),
		wsProxies:  wsproxy.NewRegistry(cfg.Tunnels.WsBufferTTL, cfg.Tunnels.WsBufferSweepInterval),
		tcpManager: tcpManager,
		tlsMgr:     tlsMgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if cfg.Reservations.Database != "" {
		store, err := reservation.Open(cfg.Reservations.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open reservation store: %w", err)
		}
		s.store = store
		logger.InfoEvent().
			Str("database", cfg.Reservations.Database).
			Msg("Subdomain reservation store enabled")
	}

	handler := s.buildHandler()

	if tlsMgr.IsEnabled() {
		s.httpsServer = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Server.ListenerPort),
			Handler:     handler,
			TLSConfig:   tlsMgr.GetTLSConfig(),
			ReadTimeout: 0, // long-lived control WebSockets
		}
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPListenerPort),
			Handler: handler,
		}
	} else {
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.ListenerPort),
			Handler: handler,
		}
	}

	return s, nil
}

// buildHandler composes the control surface and the hostname router.
func (s *Server) buildHandler() http.Handler {
	control := http.NewServeMux()
	control.HandleFunc(ControlPath, s.handleControlWS)
	control.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	forwarder := proxy.NewForwarder(
		s.pending,
		s.wsProxies,
		s.cfg.Tunnels.MaxRequestBody,
		s.cfg.Tunnels.RequestTimeout,
		s.cfg.Tunnels.WsUpgradeTimeout,
	)
	return proxy.NewRouter(s.registry, forwarder, control, s.cfg.Server.BaseDomain)
}

// handleControlWS upgrades a tunnel client's connection and runs its session
// until the transport drops.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Control channel upgrade failed")
		return
	}

	deps := session.Deps{
		Registry:          s.registry,
		Pending:           s.pending,
		WsProxies:         s.wsProxies,
		TcpManager:        s.tcpManager,
		BaseDomain:        s.cfg.Server.BaseDomain,
		ListenerPort:      s.cfg.Server.ListenerPort,
		HeartbeatInterval: s.cfg.Tunnels.HeartbeatInterval,
	}
	if s.store != nil {
		deps.Gate = s.store
	}

	session.New(conn, deps).Run()
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.httpsServer != nil {
		g.Go(func() error {
			logger.InfoEvent().
				Str("addr", s.httpsServer.Addr).
				Str("base_domain", s.cfg.Server.BaseDomain).
				Msg("HTTPS listener up")
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.InfoEvent().
			Str("addr", s.httpServer.Addr).
			Str("base_domain", s.cfg.Server.BaseDomain).
			Msg("HTTP listener up")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	logger.InfoEvent().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorEvent().Err(err).Msg("HTTPS server shutdown error")
		}
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorEvent().Err(err).Msg("HTTP server shutdown error")
	}

	s.wsProxies.Close()
}
