package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datacline/mcp-gateway/internal/config"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
)

var registerFlags struct {
	name        string
	url         string
	transport   string
	description string
	tags        []string
	tools       []string
	timeout     float64
	disabled    bool
	authMethod  string
	authRef     string
	authName    string
	authPrefix  string
}

var registerCmd = &cobra.Command{
	Use:   "register-mcp",
	Short: "Register an upstream MCP server",
	Long: `Add an upstream MCP server to the registry file. The change is
written atomically and picked up by a running gateway on its next
registry load.

Examples:
  mcp-gateway register-mcp --name weather --url http://weather:9000/mcp
  mcp-gateway register-mcp --name github --url https://api.example.com/mcp \
    --auth-method bearer --auth-ref env://GITHUB_TOKEN --tags code,api`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerFlags.name, "name", "", "server name (required, no double underscores)")
	registerCmd.Flags().StringVar(&registerFlags.url, "url", "", "MCP endpoint URL (required)")
	registerCmd.Flags().StringVar(&registerFlags.transport, "transport", "streamable_http", "transport: streamable_http or sse")
	registerCmd.Flags().StringVar(&registerFlags.description, "description", "", "human-readable description")
	registerCmd.Flags().StringSliceVar(&registerFlags.tags, "tags", nil, "tags for broadcast grouping")
	registerCmd.Flags().StringSliceVar(&registerFlags.tools, "tools", nil, "declared tool names, or * for all")
	registerCmd.Flags().Float64Var(&registerFlags.timeout, "timeout", 0, "per-operation timeout in seconds")
	registerCmd.Flags().BoolVar(&registerFlags.disabled, "disabled", false, "register the server disabled")
	registerCmd.Flags().StringVar(&registerFlags.authMethod, "auth-method", "", "auth method: api_key, bearer, basic, oauth2, custom")
	registerCmd.Flags().StringVar(&registerFlags.authRef, "auth-ref", "", "credential reference (env://VAR or file:///path)")
	registerCmd.Flags().StringVar(&registerFlags.authName, "auth-param", "", "header or parameter name for the credential")
	registerCmd.Flags().StringVar(&registerFlags.authPrefix, "auth-prefix", "", "prefix prepended to the credential value")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	desc := &upstream.Descriptor{
		Name:           registerFlags.name,
		URL:            registerFlags.url,
		Transport:      upstream.Transport(registerFlags.transport),
		Enabled:        !registerFlags.disabled,
		Description:    registerFlags.description,
		Tags:           registerFlags.tags,
		Tools:          registerFlags.tools,
		TimeoutSeconds: registerFlags.timeout,
	}
	if registerFlags.authMethod != "" {
		desc.Auth = &upstream.AuthSpec{
			Method:        upstream.AuthMethod(registerFlags.authMethod),
			Name:          registerFlags.authName,
			CredentialRef: registerFlags.authRef,
		}
		if registerFlags.authPrefix != "" {
			desc.Auth.Format = upstream.FormatPrefix
			desc.Auth.Prefix = registerFlags.authPrefix
		}
	}

	registry := upstream.NewRegistry(cfg.Gateway.ServersFile, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	if err := registry.Register(desc); err != nil {
		return fmt.Errorf("failed to register %q: %w", desc.Name, err)
	}
	fmt.Printf("registered %q (%s) in %s\n", desc.Name, desc.URL, cfg.Gateway.ServersFile)
	return nil
}
