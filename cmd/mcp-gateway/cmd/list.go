package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/datacline/mcp-gateway/internal/adapter/outbound/credential"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/mcpclient"
	"github.com/datacline/mcp-gateway/internal/config"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/service"
)

var listServersJSON bool

var listServersCmd = &cobra.Command{
	Use:   "list-servers",
	Short: "List registered upstream MCP servers",
	RunE:  runListServers,
}

var listToolsServer string

var listToolsCmd = &cobra.Command{
	Use:   "list-tools",
	Short: "List tools exposed by upstream servers",
	Long: `Connect to each enabled upstream and list its tools. With --server
only that upstream is queried.`,
	RunE: runListTools,
}

func init() {
	listServersCmd.Flags().BoolVar(&listServersJSON, "json", false, "emit JSON instead of a table")
	listToolsCmd.Flags().StringVar(&listToolsServer, "server", "", "only query this upstream")
	rootCmd.AddCommand(listServersCmd)
	rootCmd.AddCommand(listToolsCmd)
}

// buildLocalProxy wires a proxy service directly against the registry
// file, without going through a running gateway.
func buildLocalProxy() (*service.Proxy, *config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	registry := upstream.NewRegistry(cfg.Gateway.ServersFile, logger)
	if err := registry.Load(); err != nil {
		return nil, nil, fmt.Errorf("failed to load registry: %w", err)
	}
	client := mcpclient.New(mcpclient.Config{
		ClientVersion:  Version,
		DefaultTimeout: cfg.Gateway.Timeout(),
	}, credential.NewResolver(logger), mcpclient.WithLogger(logger))
	return service.NewProxy(registry, client), cfg, nil
}

func runListServers(cmd *cobra.Command, args []string) error {
	proxy, _, err := buildLocalProxy()
	if err != nil {
		return err
	}
	snap := proxy.Registry().Snapshot()

	if listServersJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.All())
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tTRANSPORT\tENABLED\tTAGS")
	for _, desc := range snap.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%v\n",
			desc.Name, desc.URL, desc.Transport, desc.Enabled, desc.Tags)
	}
	return w.Flush()
}

func runListTools(cmd *cobra.Command, args []string) error {
	proxy, _, err := buildLocalProxy()
	if err != nil {
		return err
	}
	ctx := context.Background()

	targets := proxy.Registry().Snapshot().Enabled()
	if listToolsServer != "" {
		desc, err := proxy.Descriptor(listToolsServer)
		if err != nil {
			return err
		}
		targets = []*upstream.Descriptor{desc}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, desc := range targets {
		tools, err := proxy.ListTools(ctx, desc.Name)
		if err != nil {
			fmt.Fprintf(w, "%s\t(error)\t%s\n", desc.Name, err)
			continue
		}
		for _, tool := range tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", desc.Name, tool.Name, tool.Description)
		}
	}
	return w.Flush()
}
