package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rackgate/rackgate/internal/gate"
	"github.com/rackgate/rackgate/internal/machine"
	"github.com/rackgate/rackgate/internal/obs"
	"github.com/rackgate/rackgate/internal/ratelimit"
	"github.com/rackgate/rackgate/internal/rfb"
	"github.com/rackgate/rackgate/internal/token"
)

// health tracks readiness for the /readyz endpoint.
type health struct {
	ready   atomic.Bool
	closing atomic.Bool
}

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "admin": cfg.AdminAddr, "security_proxy": cfg.SecurityProxy})

	store, err := machine.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("store.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer store.Close()

	tokens := token.NewAuthority(store, cfg.TokenTimeout)

	var negotiator *rfb.Negotiator
	if cfg.SecurityProxy {
		registry, err := buildRegistry()
		if err != nil {
			obs.Error("registry.init", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		negotiator = rfb.NewNegotiator(registry)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitGlobal > 0 || cfg.RateLimitSource > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitGlobal, cfg.RateLimitSource, cfg.RateLimitBurst)
	}

	var allowedOrigins []string
	for _, h := range strings.Split(cfg.AllowedOrigins, ",") {
		if h = strings.TrimSpace(h); h != "" {
			allowedOrigins = append(allowedOrigins, h)
		}
	}

	g := gate.New(store, tokens, negotiator, limiter, gate.Config{
		AllowedOrigins:   allowedOrigins,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs := &health{}
	go startAdminServer(cfg.AdminAddr, store, tokens, g, hs)
	if limiter != nil {
		go runLimiterCleanup(ctx, limiter, cfg.RateLimitCleanup)
	}

	mux := http.NewServeMux()
	mux.Handle("/console", g)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ln, err := createListener(cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.console", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	hs.ready.Store(true)
	obs.Info("server.ready", obs.Fields{})

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
	case <-ctx.Done():
	}
	obs.Info("server.shutdown.signal", obs.Fields{})
	hs.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("server.shutdown", obs.Fields{"err": err.Error()})
		_ = srv.Close()
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// buildRegistry assembles the backend auth schemes in preference order.
// With backend TLS enabled VeNCrypt registers ahead of None, so a console
// offering both gets the encrypted leg.
func buildRegistry() (*rfb.Registry, error) {
	registry := rfb.NewRegistry()
	if cfg.BackendTLS {
		tlsCfg := &tls.Config{}
		requireX509 := false
		if cfg.BackendTLSCA != "" {
			pem, err := os.ReadFile(cfg.BackendTLSCA)
			if err != nil {
				return nil, fmt.Errorf("read backend CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("no certificates parsed from backend CA bundle")
			}
			tlsCfg.RootCAs = pool
			requireX509 = true
		}
		registry.Register(&rfb.VeNCryptScheme{TLSConfig: tlsCfg, RequireX509: requireX509})
	}
	registry.Register(rfb.NoneScheme{})
	return registry, nil
}

// createListener creates either a plain TCP or TLS listener for the tenant leg.
func createListener(addr string) (net.Listener, error) {
	if !cfg.EnableTLS {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	minVersion := uint16(tls.VersionTLS12)
	switch cfg.TLSMinVersion {
	case "", "1.2":
	case "1.3":
		minVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS minimum version %q", cfg.TLSMinVersion)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: minVersion}
	return tls.Listen("tcp", addr, tlsConfig)
}

func runLimiterCleanup(ctx context.Context, limiter *ratelimit.Limiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if removed := limiter.CleanupIdle(10 * interval); removed > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": removed})
			}
		}
	}
}
