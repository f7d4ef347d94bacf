// Package cmd provides the CLI commands for the MCP gateway.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/datacline/mcp-gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "Secure gateway and aggregator for MCP servers",
	Long: `mcp-gateway sits between MCP clients and a fleet of upstream MCP
servers. It presents the fleet as one virtual server with namespaced
tools, verifies OAuth2 bearer tokens, enforces role-based access
policies, audits every operation, and can broadcast a tool call
across multiple upstreams at once.

Quick start:
  1. Register an upstream:  mcp-gateway register-mcp --name weather --url http://weather:9000/mcp
  2. Start the gateway:     mcp-gateway serve
  3. Point your MCP client at http://localhost:8000/mcp

Configuration:
  Config is loaded from gateway.yaml in the current directory,
  $HOME/.mcp-gateway/, or /etc/mcp-gateway/. Flat environment
  variables override file values, e.g. PORT=9000 KEYCLOAK_URL=...`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gateway.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger from the configured level.
// stderr keeps stdout clean for command output.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
