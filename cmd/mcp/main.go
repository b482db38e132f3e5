// escrowd MCP Server - Exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		PartyAddress: os.Getenv("ESCROWD_PARTY_ADDRESS"),
		AdminSecret:  os.Getenv("ESCROWD_ADMIN_SECRET"),
	}

	if cfg.PartyAddress == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_PARTY_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
