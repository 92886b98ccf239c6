package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/inbound/http"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/inbound/mcpserver"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/redisbus"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP API",
	Long: `Start the authorization HTTP API.

The policy is loaded from the configured store before checks are
answered; until then every check is denied and /health reports 503.
When the store is empty, roles, assignments and condition rules from the
policy config section are imported first.

Examples:
  # Start with config file settings
  edunexia-authz start

  # Development mode: in-memory store, debug logs, dev API key
  edunexia-authz start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, memory store, dev API key)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(devMode)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C kills.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if f := config.ConfigFileUsed(); f != "" {
		logger.Info("loaded config", "file", f)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled: do not use in production")
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("edunexia-authz stopped")
	return nil
}

// run wires every component, loads the policy and serves until ctx is
// cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger, buildOptions{metrics: true, bus: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.close()

	a.audit.Start(ctx)
	defer a.audit.Stop()

	if err := a.seed(ctx); err != nil {
		return err
	}

	health := http.NewHealthChecker(a.authz, a.audit, Version)
	if a.storePing != nil {
		health.AddCheck("store", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.storePing(pingCtx)
		})
	}
	if a.redis != nil {
		health.AddCheck("redis", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.redis.Ping(pingCtx).Err()
		})
	}

	handlerOpts := []http.Option{
		http.WithAdminService(a.admin),
		http.WithCacheService(a.cache),
		http.WithAuditReader(a.auditStore),
		http.WithHealthChecker(health),
		http.WithMetrics(a.metrics, a.registry),
		http.WithMaxCheckTimeout(config.Duration(cfg.Server.MaxCheckTimeout, 30*time.Second)),
		http.WithLogger(logger),
	}
	if cfg.RateLimit.Enabled {
		handlerOpts = append(handlerOpts, http.WithRateLimit(http.RateLimitConfig{
			IPRate:     cfg.RateLimit.IPRate,
			ClientRate: cfg.RateLimit.ClientRate,
		}))
	}
	if p := cfg.Server.AdminPermission; p != "" {
		perm, err := parsePermission(p)
		if err != nil {
			return err
		}
		handlerOpts = append(handlerOpts, http.WithAdminPermission(perm.Resource, perm.Action))
	}
	if cfg.Server.MCP {
		handlerOpts = append(handlerOpts, http.WithMCP(mcpserver.HTTPHandler(mcpserver.NewServer(a.authz, Version, logger))))
	}
	handler := http.NewHandler(a.authz, a.keys, handlerOpts...)

	serverOpts := []http.ServerOption{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second)),
		http.WithServerLogger(logger),
	}
	if cfg.Server.TLSCertFile != "" {
		serverOpts = append(serverOpts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	server := http.NewServer(handler.Routes(), serverOpts...)

	g, gctx := errgroup.WithContext(ctx)

	if a.bus != nil {
		sub, err := a.bus.Subscribe(gctx)
		if err != nil {
			return err
		}
		defer sub.Close()
		g.Go(func() error {
			return sub.Run(gctx, redisbus.Apply(a.authz, logger))
		})
	}

	g.Go(func() error {
		err := a.authz.LoadWithRetry(gctx, config.Duration(cfg.Store.LoadRetry, 2*time.Second))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			st := a.authz.Status()
			logger.Info("policy loaded", "version", st.Version, "roles", st.Roles)
		}
		return err
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	printBanner(Version, cfg)
	logger.Info("edunexia-authz starting",
		"version", Version,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"redis", cfg.Redis.Enabled,
		"mcp", cfg.Server.MCP,
		"rate_limit", cfg.RateLimit.Enabled,
		"audit_output", cfg.Audit.Output,
	)
	return g.Wait()
}

// printBanner prints a short startup summary to stderr.
func printBanner(version string, cfg *config.Config) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, cfg.Server.HTTPAddr)
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		base = fmt.Sprintf("%s://localhost%s", scheme, cfg.Server.HTTPAddr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset + dim + " (dev api key)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s EdunexIA authz %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s/v1/authz/\n", "Checks:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s/v1/admin/\n", "Admin:", base)
	if cfg.Server.MCP {
		fmt.Fprintf(os.Stderr, "  %-14s %s/mcp\n", "MCP:", base)
	}
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Store:", cfg.Store.Driver)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the PID file location used by start and stop.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".edunexia-authz", "server.pid")
	}
	return filepath.Join(os.TempDir(), "edunexia-authz-server.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
