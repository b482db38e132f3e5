package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow contract with yourself as buyer. "+
			"Returns the escrow ID. Fund it with deposit_escrow before the seller ships."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller's address (e.g. '0x1234...')")),
	mcp.WithString("arbiter",
		mcp.Required(),
		mcp.Description("Arbiter's address — the neutral party who resolves disputes")),
)

var ToolDepositEscrow = mcp.NewTool("deposit_escrow",
	mcp.WithDescription(
		"Fund an escrow contract from your ledger balance. "+
			"The platform withholds the escrow fee up front; the rest is held in custody "+
			"until you confirm delivery or the contract is refunded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from create_escrow")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to deposit (e.g. '100' or '1.50')")),
)

var ToolCreateMilestone = mcp.NewTool("create_milestone",
	mcp.WithDescription(
		"Add a payment milestone to a funded escrow (buyer only). "+
			"Milestone payments are reserved out of the escrow balance and released "+
			"individually with complete_milestone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("What the milestone covers (e.g. 'first draft delivered')")),
	mcp.WithString("payment",
		mcp.Required(),
		mcp.Description("Payment amount for this milestone")),
)

var ToolCompleteMilestone = mcp.NewTool("complete_milestone",
	mcp.WithDescription(
		"Release one milestone payment to the seller (buyer only, after shipment). "+
			"The milestone amount moves from escrow custody to the seller immediately."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithNumber("index",
		mcp.Required(),
		mcp.Description("Zero-based milestone index from the escrow's milestone list")),
)

var ToolMarkShipped = mcp.NewTool("mark_shipped",
	mcp.WithDescription(
		"Record shipment with a tracking number (seller only). "+
			"Starts the buyer's inspection window; after it lapses the seller may "+
			"claim the balance if the buyer neither confirms nor disputes."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("tracking_number",
		mcp.Required(),
		mcp.Description("Carrier tracking number")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Confirm delivery and release the remaining escrow balance to the seller "+
			"(buyer only). This completes the contract and cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Dispute an escrow during the inspection window (buyer only). "+
			"Freezes the balance until the arbiter resolves it. No funds move when "+
			"a dispute opens."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the delivery was unsatisfactory")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Award part of a disputed escrow balance to the buyer or seller "+
			"(arbiter only). Can be called repeatedly until the balance reaches zero, "+
			"which completes the contract."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Who receives this award"),
		mcp.Enum("buyer", "seller")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to award from the disputed balance")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Fetch the current state of an escrow contract: state, balance, parties, "+
			"milestones, and dispute details."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolListMyEscrows = mcp.NewTool("list_my_escrows",
	mcp.WithDescription(
		"List escrow contracts where you are the buyer, seller, or arbiter."),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current ledger balance: available funds plus lifetime totals in and out."),
)
