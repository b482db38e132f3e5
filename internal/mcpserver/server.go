// Package mcpserver exposes the escrowd API as MCP tools over stdio, so an
// LLM agent can open, fund, and settle escrow contracts conversationally.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolDepositEscrow, h.HandleDepositEscrow)
	s.AddTool(ToolCreateMilestone, h.HandleCreateMilestone)
	s.AddTool(ToolCompleteMilestone, h.HandleCompleteMilestone)
	s.AddTool(ToolMarkShipped, h.HandleMarkShipped)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListMyEscrows, h.HandleListMyEscrows)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
