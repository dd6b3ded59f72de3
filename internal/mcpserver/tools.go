package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the invoice MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQuoteFees = mcp.NewTool("quote_fees",
	mcp.WithDescription(
		"Quote the escrow fees for an invoice amount. "+
			"Shows what the payer deposits, what the creator receives, and the fee each side pays."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Invoice amount in USDC (e.g. '250.00')")),
)

var ToolGetInvoice = mcp.NewTool("get_invoice",
	mcp.WithDescription(
		"Get an invoice with its status, escrow contract, and milestones."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
)

var ToolListInvoices = mcp.NewTool("list_invoices",
	mcp.WithDescription(
		"List invoices created by your wallet, newest first."),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_invoices result to fetch the next page")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of invoices to return (default 20)")),
)

var ToolReconcileInvoice = mcp.NewTool("reconcile_invoice",
	mcp.WithDescription(
		"Re-check an invoice against its on-chain escrow and fix the ledger if it fell behind. "+
			"Use this when a payment or release happened but the invoice status did not change."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get a dispute with its status, current proposal, and deadline."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (starts with 'dsp_')")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on a funded escrow invoice. "+
			"Funds stay in escrow while the parties negotiate. "+
			"Only the invoice creator or payer can open one."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong, at least 10 characters")),
)

var ToolProposeResolution = mcp.NewTool("propose_resolution",
	mcp.WithDescription(
		"Propose how to settle a dispute. The other party must accept before any funds move."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("'refund' returns everything to the payer, 'release' pays the creator, 'split' divides it"),
		mcp.Enum("refund", "release", "split")),
	mcp.WithString("payer_amount",
		mcp.Description("For split: USDC returned to the payer (e.g. '40.00')")),
	mcp.WithString("creator_amount",
		mcp.Description("For split: USDC paid to the creator (e.g. '60.00')")),
)

var ToolAcceptResolution = mcp.NewTool("accept_resolution",
	mcp.WithDescription(
		"Accept the other party's proposal. This moves the escrowed funds on-chain."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
)
