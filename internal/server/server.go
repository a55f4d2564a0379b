// Package server runs the public proxy listener and the loopback
// management API, and owns the process lifecycle: startup, signal
// handling, graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/breaker"
	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/fileresolver"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/proxy"
	"github.com/edgeproxy/edgeproxy/internal/rewrite"
	"go.uber.org/zap"
)

// Deps carries the collaborators the server runs and exposes over the
// management API. Watcher is optional; without it SIGHUP is a no-op.
type Deps struct {
	Store    *config.Store
	Engine   *proxy.Engine
	Cache    *cache.Cache
	Rewriter *rewrite.Rewriter
	Resolver *fileresolver.Resolver
	Breakers *breaker.Group
	Watcher  *config.Watcher
}

// Server wraps the proxy engine and admin API with HTTP listeners.
type Server struct {
	store    *config.Store
	engine   *proxy.Engine
	cache    *cache.Cache
	rewriter *rewrite.Rewriter
	resolver *fileresolver.Resolver
	breakers *breaker.Group
	watcher  *config.Watcher

	public *http.Server
	admin  *http.Server

	startTime time.Time
}

// New builds the public and admin servers from the snapshot current at
// startup. Listen addresses are fixed for the process lifetime;
// everything behind them follows snapshot swaps.
func New(deps Deps) *Server {
	snap := deps.Store.Load()

	s := &Server{
		store:     deps.Store,
		engine:    deps.Engine,
		cache:     deps.Cache,
		rewriter:  deps.Rewriter,
		resolver:  deps.Resolver,
		breakers:  deps.Breakers,
		watcher:   deps.Watcher,
		startTime: time.Now(),
	}

	// No WriteTimeout on the public listener: slow upstreams are
	// bounded per request by Performance.Timeout.
	s.public = &http.Server{
		Addr:              snap.Server.Listen,
		Handler:           deps.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.admin = &http.Server{
		Addr:         snap.Server.AdminListen,
		Handler:      s.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving on both listeners. It returns once both have had
// a moment to bind, or with the first bind error.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("starting proxy server", zap.String("addr", s.public.Addr))
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	go func() {
		logging.Info("starting admin server", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give listeners a moment to bind.
	}
	return nil
}

// Run starts the servers and blocks until a shutdown signal arrives.
// SIGHUP re-reads the rules file; SIGINT/SIGTERM drain and exit.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if s.watcher == nil {
				logging.Info("SIGHUP ignored, no rules file configured")
				continue
			}
			s.watcher.Reload()
			logging.Info("rules reloaded",
				zap.Int64("generation", s.store.Load().Generation))
		default:
			logging.Info("shutting down gracefully")
			return s.Shutdown(s.store.Load().Server.ShutdownGrace)
		}
	}
	return nil
}

// Shutdown stops the admin server first, then drains the public
// listener, all within the timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.admin.Shutdown(ctx); err != nil {
		logging.Error("admin server shutdown error", zap.Error(err))
	}
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("proxy server shutdown error", zap.Error(err))
		return err
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	logging.Info("server shutdown complete")
	return nil
}
