// Command squawkbusd runs the SquawkBus server: a TCP (optionally TLS)
// publish/subscribe message bus with per-user entitlements. SIGHUP reloads
// the password and authorizations files; SIGINT/SIGTERM shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/squawkbus/squawkbus/internal/auth"
	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/config"
	"github.com/squawkbus/squawkbus/internal/hub"
	"github.com/squawkbus/squawkbus/internal/monitoring"
	"github.com/squawkbus/squawkbus/internal/server"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "squawkbusd: %v\n", err)
		os.Exit(1)
	}

	var grants stringList
	endpoint := flag.String("endpoint", cfg.Endpoint, "listen address host:port")
	useTLS := flag.Bool("tls", cfg.TLS, "serve TLS")
	certFile := flag.String("certfile", cfg.CertFile, "TLS certificate file")
	keyFile := flag.String("keyfile", cfg.KeyFile, "TLS key file")
	pwFile := flag.String("pwfile", cfg.PasswordFile, "htpasswd password file; empty admits anyone")
	authzFile := flag.String("authorizations-file", cfg.AuthorizationsFile, "JSON authorizations file")
	flag.Var(&grants, "authorizations", "inline grant user:topic:entitlements:roles (repeatable)")
	logLevel := flag.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.Parse()

	cfg.Endpoint = *endpoint
	cfg.TLS = *useTLS
	cfg.CertFile = *certFile
	cfg.KeyFile = *keyFile
	cfg.PasswordFile = *pwFile
	cfg.AuthorizationsFile = *authzFile
	cfg.LogLevel = *logLevel
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "squawkbusd: %v\n", err)
		os.Exit(1)
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat, "squawkbusd")
	cfg.LogConfig(logger)

	metrics := monitoring.NewMetrics()
	stats := monitoring.NewStats()

	policy, err := authz.LoadPolicy(cfg.AuthorizationsFile, grants)
	if err != nil {
		logger.Fatal().Err(err).Msg("load authorization policy")
	}
	authenticator, err := auth.New(cfg.PasswordFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load password file")
	}

	h := hub.New(cfg.HubQueueSize, policy, logger, metrics, stats)
	srv, err := server.New(cfg, h, authenticator, logger, metrics, stats)
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}
	if err := srv.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("bind endpoint")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("serve ended")
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsEndpoint != "" {
		metricsSrv = monitoring.NewHTTPServer(cfg.MetricsEndpoint, metrics, stats, logger)
		go func() {
			logger.Info().Str("endpoint", cfg.MetricsEndpoint).Msg("metrics endpoint up")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	go reloadLoop(ctx, cfg, grants, authenticator, h, metrics, logger)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
}

// reloadLoop re-reads credentials and the authorization policy on SIGHUP.
// A failed reload logs and leaves the previous state in effect.
func reloadLoop(ctx context.Context, cfg *config.Config, grants []string, authenticator auth.Authenticator, h *hub.Hub, metrics *monitoring.Metrics, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			ok := true
			if err := authenticator.Reload(); err != nil {
				logger.Error().Err(err).Msg("password reload failed, keeping previous credentials")
				ok = false
			}
			if policy, err := authz.LoadPolicy(cfg.AuthorizationsFile, grants); err != nil {
				logger.Error().Err(err).Msg("policy reload failed, keeping previous policy")
				ok = false
			} else if err := h.Post(ctx, hub.Reset{Policy: policy}); err != nil {
				return
			}
			if ok {
				logger.Info().Msg("configuration reloaded")
				metrics.PolicyReloads.WithLabelValues("ok").Inc()
			} else {
				metrics.PolicyReloads.WithLabelValues("error").Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}
