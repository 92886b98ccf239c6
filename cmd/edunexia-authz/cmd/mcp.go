package cmd

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/inbound/mcpserver"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/redisbus"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/config"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the authorization tools over MCP stdio",
	Long: `Serve has_permission, check_condition, authorize and
effective_permissions as MCP tools on stdin/stdout, for agents that launch
the service as a subprocess.

Logs go to stderr. Audit records configured for stdout are discarded
because stdout carries the MCP stream.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()
	logger := newLogger(cfg)

	a, err := buildApp(ctx, cfg, logger, buildOptions{bus: true, telemetry: true, stdout: io.Discard})
	if err != nil {
		return err
	}
	defer a.close()
	a.audit.Start(ctx)
	defer a.audit.Stop()

	if err := a.seed(ctx); err != nil {
		return err
	}

	// Tools deny until the first load succeeds.
	go func() {
		err := a.authz.LoadWithRetry(ctx, config.Duration(cfg.Store.LoadRetry, 2*time.Second))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("policy load stopped", "error", err)
		}
	}()

	if a.bus != nil {
		sub, err := a.bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()
		go func() {
			_ = sub.Run(ctx, redisbus.Apply(a.authz, logger))
		}()
	}

	server := mcpserver.NewServer(a.authz, Version, logger)
	logger.Info("serving MCP over stdio", "version", Version)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
