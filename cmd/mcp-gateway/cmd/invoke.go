package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/datacline/mcp-gateway/internal/service"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

var invokeFlags struct {
	params     []string
	paramsFile string
	format     string
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <server> <tool>",
	Short: "Invoke a tool on one upstream server",
	Long: `Invoke a single tool and print the result.

Parameters can be given inline or from a file:
  mcp-gateway invoke weather forecast -p city=Oslo -p days=3
  mcp-gateway invoke weather forecast --params-file req.json`,
	Args: cobra.ExactArgs(2),
	RunE: runInvoke,
}

var broadcastFlags struct {
	servers    []string
	tags       []string
	params     []string
	paramsFile string
	format     string
}

var invokeBroadcastCmd = &cobra.Command{
	Use:   "invoke-broadcast <tool>",
	Short: "Invoke a tool on multiple upstream servers at once",
	Long: `Fan a tool call out across upstreams and print the joined result.
Targets are chosen by --servers, then --tags, then servers declaring
the tool, then every enabled server.

Examples:
  mcp-gateway invoke-broadcast status
  mcp-gateway invoke-broadcast search --tags data -p query=llm --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runInvokeBroadcast,
}

func init() {
	invokeCmd.Flags().StringArrayVarP(&invokeFlags.params, "param", "p", nil, "tool parameter as key=value (repeatable)")
	invokeCmd.Flags().StringVar(&invokeFlags.paramsFile, "params-file", "", "JSON file with tool parameters")
	invokeCmd.Flags().StringVar(&invokeFlags.format, "format", "summary", "output format: summary, full, or json")

	invokeBroadcastCmd.Flags().StringSliceVar(&broadcastFlags.servers, "servers", nil, "explicit target servers")
	invokeBroadcastCmd.Flags().StringSliceVar(&broadcastFlags.tags, "tags", nil, "target servers by tag")
	invokeBroadcastCmd.Flags().StringArrayVarP(&broadcastFlags.params, "param", "p", nil, "tool parameter as key=value (repeatable)")
	invokeBroadcastCmd.Flags().StringVar(&broadcastFlags.paramsFile, "params-file", "", "JSON file with tool parameters")
	invokeBroadcastCmd.Flags().StringVar(&broadcastFlags.format, "format", "summary", "output format: summary, full, or json")

	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(invokeBroadcastCmd)
}

// parseParams merges --params-file and -p key=value pairs, the pairs
// winning on conflict. Values that parse as JSON keep their type.
func parseParams(pairs []string, file string) (map[string]any, error) {
	args := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("parse params file: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			args[key] = typed
		} else {
			args[key] = value
		}
	}
	return args, nil
}

func splitPair(pair string) (string, string, error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			if i == 0 {
				break
			}
			return pair[:i], pair[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("parameter %q is not key=value", pair)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	proxy, _, err := buildLocalProxy()
	if err != nil {
		return err
	}
	params, err := parseParams(invokeFlags.params, invokeFlags.paramsFile)
	if err != nil {
		return err
	}

	result, err := proxy.CallTool(context.Background(), args[0], args[1], params)
	if err != nil {
		return err
	}
	return printCallResult(result, invokeFlags.format)
}

func runInvokeBroadcast(cmd *cobra.Command, args []string) error {
	proxy, _, err := buildLocalProxy()
	if err != nil {
		return err
	}
	params, err := parseParams(broadcastFlags.params, broadcastFlags.paramsFile)
	if err != nil {
		return err
	}

	broadcaster := service.NewBroadcaster(proxy.Registry(), proxy)
	result, err := broadcaster.Broadcast(context.Background(), service.BroadcastRequest{
		Tool:    args[0],
		Args:    params,
		Servers: broadcastFlags.servers,
		Tags:    broadcastFlags.tags,
	})
	if err != nil {
		return err
	}
	return printBroadcastResult(result, broadcastFlags.format)
}

func printCallResult(result *mcpwire.CallResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "full", "summary":
		if result.IsError {
			fmt.Println("TOOL ERROR")
		}
		for _, part := range result.Content {
			switch part.Type {
			case "text":
				fmt.Println(part.Text)
			case "resource":
				if part.Resource != nil {
					fmt.Printf("resource %s (%s)\n", part.Resource.URI, part.Resource.MIMEType)
					if format == "full" {
						fmt.Println(part.Resource.Text)
					}
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q: use summary, full, or json", format)
	}
}

func printBroadcastResult(result *service.BroadcastResult, format string) error {
	if format == "json" {
		return printCallResult(service.FormatBroadcastResult(result), "json")
	}
	if format != "summary" && format != "full" {
		return fmt.Errorf("unknown format %q: use summary, full, or json", format)
	}

	fmt.Printf("broadcast %q: %d/%d succeeded in %dms\n",
		result.Tool, len(result.Successes), result.Total, result.DurationMS)

	servers := make([]string, 0, result.Total)
	for server := range result.Successes {
		servers = append(servers, server)
	}
	for server := range result.Failures {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	for _, server := range servers {
		if msg, failed := result.Failures[server]; failed {
			fmt.Printf("  %s: FAILED: %s\n", server, msg)
			continue
		}
		if format == "full" {
			fmt.Printf("  %s:\n", server)
			_ = printCallResult(result.Successes[server], "full")
		} else {
			fmt.Printf("  %s: ok\n", server)
		}
	}
	return nil
}
