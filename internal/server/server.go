// Package server accepts TCP (optionally TLS) connections and runs one
// interactor per connection. The interactor is a pure translator: it
// authenticates the handshake, decodes inbound frames into hub events and
// encodes hub deliveries back onto the socket. It holds no routing state.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/squawkbus/squawkbus/internal/auth"
	"github.com/squawkbus/squawkbus/internal/config"
	"github.com/squawkbus/squawkbus/internal/hub"
	"github.com/squawkbus/squawkbus/internal/limits"
	"github.com/squawkbus/squawkbus/internal/monitoring"
)

// Server owns the accept loop and the set of live connections.
type Server struct {
	cfg           *config.Config
	hub           *hub.Hub
	authenticator auth.Authenticator
	logger        zerolog.Logger
	metrics       *monitoring.Metrics
	stats         *monitoring.Stats

	tlsConfig   *tls.Config
	rateLimiter *limits.ConnRateLimiter
	guard       *limits.ResourceGuard

	listener    net.Listener
	activeConns int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New builds a server. TLS material is loaded here so a bad cert fails
// startup rather than the first connection.
func New(cfg *config.Config, h *hub.Hub, authenticator auth.Authenticator, logger zerolog.Logger, metrics *monitoring.Metrics, stats *monitoring.Stats) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		hub:           h,
		authenticator: authenticator,
		logger:        logger.With().Str("component", "server").Logger(),
		metrics:       metrics,
		stats:         stats,
		conns:         make(map[net.Conn]struct{}),
	}
	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	s.rateLimiter = limits.NewConnRateLimiter(cfg.ConnRateLimit, cfg.ConnRatePerIP, logger)
	s.guard = limits.NewResourceGuard(cfg.MaxConnections, &s.activeConns, logger)
	return s, nil
}

// Listen binds the endpoint. Called before Serve so startup failures reach
// the operator as a non-zero exit.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Endpoint, err)
	}
	s.listener = ln
	s.logger.Info().
		Str("endpoint", ln.Addr().String()).
		Bool("tls", s.tlsConfig != nil).
		Msg("listening")
	return nil
}

// Addr reports the bound address, for tests that listen on port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener closes. Admission control
// runs before the TLS handshake: rejected connections cost one accept and
// one close.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		if reason, ok := s.admit(conn); !ok {
			s.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		if s.tlsConfig != nil {
			conn = tls.Server(conn, s.tlsConfig)
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runInteractor(ctx, conn)
		}()
	}
}

func (s *Server) admit(conn net.Conn) (reason string, ok bool) {
	if ok, reason := s.guard.ShouldAccept(); !ok {
		s.logger.Warn().Str("reason", reason).Str("remote", conn.RemoteAddr().String()).
			Msg("connection rejected by resource guard")
		return reason, false
	}
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	if ok, reason := s.rateLimiter.Allow(ip); !ok {
		return "rate_" + reason, false
	}
	return "", true
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	atomic.AddInt64(&s.activeConns, 1)
	atomic.AddInt64(&s.stats.ActiveConnections, 1)
	s.metrics.ConnectionsActive.Inc()
	s.metrics.ConnectionsTotal.Inc()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	atomic.AddInt64(&s.activeConns, -1)
	atomic.AddInt64(&s.stats.ActiveConnections, -1)
	s.metrics.ConnectionsActive.Dec()
}

// Shutdown stops accepting, closes every live connection and waits for the
// interactors to drain, bounded by the configured timeout.
func (s *Server) Shutdown() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.rateLimiter.Stop()
	s.guard.Stop()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("all connections drained")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", s.cfg.ShutdownTimeout)
	}
}
