package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all settlement tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowd", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolStartSettlement, h.HandleStartSettlement)
	s.AddTool(ToolSettlementStatus, h.HandleSettlementStatus)
	s.AddTool(ToolSettlementReceipt, h.HandleSettlementReceipt)
	s.AddTool(ToolVerifyReceipt, h.HandleVerifyReceipt)
	s.AddTool(ToolSettlementAudit, h.HandleSettlementAudit)

	return s
}
