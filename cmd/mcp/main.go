// escrowd MCP server - exposes settlement operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/paynest/escrowd/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:         envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		PayerReference: os.Getenv("ESCROWD_PAYER_REFERENCE"),
	}

	if cfg.PayerReference == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_PAYER_REFERENCE is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
