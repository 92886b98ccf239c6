// Package cmd provides the CLI commands for the EdunexIA authorization
// service.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "edunexia-authz",
	Short: "EdunexIA authorization service",
	Long: `edunexia-authz answers "may this user do this?" for the EdunexIA platform.

It combines role-based permissions (roles, user roles, resource:action
grants) with contextual checks against tenant, polo, ownership, date
windows and billing status resolved from Asaas/Lytex.

Quick start:
  1. Create a config file: edunexia-authz.yaml
  2. Run: edunexia-authz start

Configuration:
  Config is loaded from edunexia-authz.yaml in the current directory,
  $HOME/.edunexia-authz/, or /etc/edunexia-authz/.

  Environment variables override config values with the EDUNEXIA_AUTHZ_ prefix.
  Example: EDUNEXIA_AUTHZ_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the HTTP API
  stop        Stop the running server
  check       Evaluate one authorization query against the configured store
  import      Load a policy bundle into the store
  export      Write the stored policy as a bundle
  mcp         Serve the authorization tools over MCP stdio
  reset       Remove the state file
  hash-key    Hash an API key for the config file
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./edunexia-authz.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json for the state driver (default: store.state_path)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
