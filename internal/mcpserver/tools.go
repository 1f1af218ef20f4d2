package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolStartSettlement = mcp.NewTool("start_settlement",
	mcp.WithDescription(
		"Start an escrow settlement that collects money from the payer into a holding account "+
			"and then pays it out to the recipient's UPI address. "+
			"Returns a reference id and a payment link the payer must complete."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in INR with at most two decimals (e.g. '250.00')")),
	mcp.WithString("recipient_account",
		mcp.Required(),
		mcp.Description("Recipient UPI address (e.g. 'merchant@upi')")),
	mcp.WithString("note",
		mcp.Description("Short purpose shown to both parties")),
)

var ToolSettlementStatus = mcp.NewTool("settlement_status",
	mcp.WithDescription(
		"Check where a settlement is: collection pending/processing/success, payout processing, "+
			"completed or failed. Checking also advances the settlement if the gateway has news."),
	mcp.WithString("reference_id",
		mcp.Required(),
		mcp.Description("Settlement reference returned by start_settlement")),
)

var ToolSettlementReceipt = mcp.NewTool("settlement_receipt",
	mcp.WithDescription(
		"Fetch the signed receipt of a completed settlement, with amounts, fees and bank references."),
	mcp.WithString("reference_id",
		mcp.Required(),
		mcp.Description("Settlement reference")),
)

var ToolVerifyReceipt = mcp.NewTool("verify_receipt",
	mcp.WithDescription(
		"Verify that a receipt number belongs to a genuine, unmodified receipt."),
	mcp.WithString("receipt_number",
		mcp.Required(),
		mcp.Description("Receipt number, e.g. 'RCPT-20260401-...'")),
)

var ToolSettlementAudit = mcp.NewTool("settlement_audit",
	mcp.WithDescription(
		"List every state change recorded for a settlement, oldest first."),
	mcp.WithString("reference_id",
		mcp.Required(),
		mcp.Description("Settlement reference")),
)
