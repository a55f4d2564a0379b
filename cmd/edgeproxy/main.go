package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/breaker"
	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/fileresolver"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/proxy"
	"github.com/edgeproxy/edgeproxy/internal/rewrite"
	"github.com/edgeproxy/edgeproxy/internal/server"
	"github.com/edgeproxy/edgeproxy/internal/transform"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgeproxy %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Configuration comes from EDGE_* environment variables, plus the
	// optional rules file named by EDGE_RULES_FILE.
	snap, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(snap.Server.LogLevel, snap.Server.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edge proxy",
		zap.String("version", version),
		zap.String("listen", snap.Server.Listen),
		zap.String("admin", snap.Server.AdminListen),
		zap.String("defaultBackend", snap.DefaultBackend.Host),
		zap.Int("originDomains", len(snap.OriginDomains)),
		zap.Int("routeRules", len(snap.RouteRules)),
		zap.String("rulesFile", snap.RulesFile),
	)

	store := config.NewStore(snap)
	sink := metrics.Prom{}

	respCache := cache.New("response", snap.Cache.MaxItems, snap.Cache.MaxTTL, sink)
	respCache.StartJanitor(context.Background(), snap.Cache.CheckPeriod)

	breakers := breaker.NewGroup(snap.FileResolution.Breaker, sink)
	resolver := fileresolver.New(store, breakers, sink)
	rewriter := rewrite.New(store, sink)

	engine, err := proxy.New(proxy.Config{
		Store:    store,
		Cache:    respCache,
		Resolver: resolver,
		Pipeline: transform.NewPipeline(rewriter, sink),
		Sink:     sink,
	})
	if err != nil {
		logging.Error("Failed to build proxy engine", zap.Error(err))
		os.Exit(1)
	}

	var watcher *config.Watcher
	if snap.RulesFile != "" {
		watcher, err = config.NewWatcher(store, snap.RulesFile)
		if err != nil {
			logging.Error("Failed to watch rules file",
				zap.String("path", snap.RulesFile), zap.Error(err))
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			logging.Error("Failed to start rules watcher", zap.Error(err))
			os.Exit(1)
		}
	}

	srv := server.New(server.Deps{
		Store:    store,
		Engine:   engine,
		Cache:    respCache,
		Rewriter: rewriter,
		Resolver: resolver,
		Breakers: breakers,
		Watcher:  watcher,
	})

	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
