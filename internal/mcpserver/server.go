package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all invoice tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("arcinvoice", "0.1.0")
	client := NewInvoiceClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolQuoteFees, h.HandleQuoteFees)
	s.AddTool(ToolGetInvoice, h.HandleGetInvoice)
	s.AddTool(ToolListInvoices, h.HandleListInvoices)
	s.AddTool(ToolReconcileInvoice, h.HandleReconcileInvoice)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolProposeResolution, h.HandleProposeResolution)
	s.AddTool(ToolAcceptResolution, h.HandleAcceptResolution)

	return s
}
