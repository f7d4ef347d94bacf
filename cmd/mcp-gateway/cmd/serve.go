package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpadapter "github.com/datacline/mcp-gateway/internal/adapter/inbound/http"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/auditstore"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/celcond"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/credential"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/mcpclient"
	"github.com/datacline/mcp-gateway/internal/adapter/outbound/tokenverify"
	"github.com/datacline/mcp-gateway/internal/config"
	"github.com/datacline/mcp-gateway/internal/domain/audit"
	"github.com/datacline/mcp-gateway/internal/domain/policy"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the gateway: load the upstream registry and access policies,
open the audit sinks, and serve the MCP endpoint plus the REST and
discovery surfaces until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := upstream.NewRegistry(cfg.Gateway.ServersFile, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load upstream registry: %w", err)
	}
	logger.Info("upstream registry loaded",
		"file", cfg.Gateway.ServersFile,
		"servers", registry.Snapshot().Len(),
		"enabled", len(registry.Snapshot().Enabled()))

	engine, err := buildPolicyEngine(cfg, logger)
	if err != nil {
		return err
	}

	sink, err := buildAuditSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	resolver := credential.NewResolver(logger)
	client := mcpclient.New(mcpclient.Config{
		ClientVersion:  Version,
		DefaultTimeout: cfg.Gateway.Timeout(),
	}, resolver, mcpclient.WithLogger(logger))

	proxy := service.NewProxy(registry, client)
	broadcaster := service.NewBroadcaster(registry, proxy)
	aggregator := service.NewAggregator(proxy, broadcaster, engine, sink)

	opts := []httpadapter.Option{httpadapter.WithLogger(logger)}
	if cfg.Auth.Enabled {
		verifier, err := tokenverify.New(ctx, tokenverify.Config{
			IssuerInternal:   cfg.Auth.Issuer(),
			IssuerExternal:   cfg.Auth.ExternalIssuer(),
			JWKSURL:          cfg.Auth.JWKSEndpoint(),
			Algorithm:        cfg.Auth.JWTAlgorithm,
			Audiences:        verifierAudiences(cfg),
			RequiredScopes:   cfg.Auth.RequiredScopes,
			IntrospectionURL: cfg.Auth.IntrospectionEndpoint(),
			ClientID:         cfg.Auth.IntrospectionClientID,
			ClientSecret:     cfg.Auth.IntrospectionClientSecret,
			ResourceURL:      cfg.Gateway.ResourceServerURL,
			CacheTTL:         cfg.Auth.CacheTTL(),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to build token verifier: %w", err)
		}
		defer verifier.Close()
		opts = append(opts, httpadapter.WithVerifier(verifier))
	} else {
		logger.Warn("authentication is DISABLED; every request runs as anonymous")
	}

	httpadapter.Version = Version
	server := httpadapter.NewServer(aggregator, proxy, broadcaster, cfg, opts...)

	logger.Info("gateway starting",
		"addr", cfg.Server.Addr(),
		"auth_enabled", cfg.Auth.Enabled,
		"resource", cfg.Gateway.ResourceServerURL)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// verifierAudiences gathers the accepted aud values.
func verifierAudiences(cfg *config.Settings) []string {
	var auds []string
	if cfg.Auth.JWTAudience != "" {
		auds = append(auds, cfg.Auth.JWTAudience)
	}
	if cfg.Gateway.ResourceServerURL != "" {
		auds = append(auds, cfg.Gateway.ResourceServerURL)
	}
	return auds
}

// buildPolicyEngine loads the policy document and wires the CEL
// evaluator. A missing policy file falls back to default-deny.
func buildPolicyEngine(cfg *config.Settings, logger *slog.Logger) (*policy.Engine, error) {
	doc, err := policy.LoadDocument(cfg.Gateway.PolicyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("policy file missing, defaulting to deny-all",
				"file", cfg.Gateway.PolicyFile)
			doc = &policy.Document{DefaultPolicy: policy.VerdictDeny}
		} else {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	evaluator, err := celcond.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression evaluator: %w", err)
	}
	engine, err := policy.NewEngine(doc,
		policy.WithLogger(logger),
		policy.WithExpressionEvaluator(evaluator))
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	logger.Info("policy engine ready",
		"file", cfg.Gateway.PolicyFile,
		"rules", len(doc.Rules),
		"default", string(doc.DefaultPolicy))
	return engine, nil
}

// buildAuditSink assembles the JSONL file sink plus the optional
// stdout and SQLite mirrors.
func buildAuditSink(cfg *config.Settings, logger *slog.Logger) (audit.Sink, error) {
	fileSink, err := auditstore.NewFileSink(auditstore.FileSinkConfig{
		Path:          cfg.Audit.LogFile,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	sinks := audit.MultiSink{fileSink}
	if cfg.Audit.ToStdout {
		sinks = append(sinks, auditstore.NewLineSink(os.Stdout))
	}
	if cfg.Audit.DBFile != "" {
		store, err := auditstore.NewSQLiteStore(cfg.Audit.DBFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sinks = append(sinks, store)
	}
	logger.Info("audit sinks ready",
		"file", cfg.Audit.LogFile,
		"stdout", cfg.Audit.ToStdout,
		"db", cfg.Audit.DBFile != "")
	return sinks, nil
}
