package main

import "github.com/datacline/mcp-gateway/cmd/mcp-gateway/cmd"

func main() {
	cmd.Execute()
}
