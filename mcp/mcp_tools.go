package mcp

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

const defaultListLimit = 50

func taskIDArg() mcp.ToolOption {
	return mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id, 0x-prefixed 32 bytes"))
}

func recipientIDArg() mcp.ToolOption {
	return mcp.WithString("recipient_id", mcp.Required(), mcp.Description("Recipient id, 0x-prefixed 32 bytes"))
}

// taskFor returns the explicit task_id or derives one from the caller and nonce.
func taskFor(a args, caller common.Address) (escrow.TaskID, string, error) {
	if a.present("task_id") {
		id, err := a.handle("task_id")
		return id, "", err
	}
	n, err := a.nonce("nonce")
	if err != nil {
		return escrow.TaskID{}, "", err
	}
	return escrow.DeriveTaskID(caller, n), n.String(), nil
}

type createdDeposit struct {
	Deposit models.DepositView `json:"deposit"`
	Nonce   string             `json:"nonce,omitempty"`
}

func (s *MCPServer) registerCreateDepositTool() {
	tool := mcp.NewTool("create_deposit",
		mcp.WithDescription("Fund a fixed-capacity task from the caller. The escrow must be approved for amount."),
		mcp.WithString("task_id", mcp.Description("Explicit task id; derived from caller and nonce when omitted")),
		mcp.WithString("nonce", mcp.Description("uuid or 0x hex nonce used to derive the task id")),
		mcp.WithString("amount", mcp.Required(), mcp.Description("Total credits to escrow, decimal string")),
		mcp.WithNumber("assistant_count", mcp.Required(), mcp.Description("Number of recipients the task pays")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, nonce, err := taskFor(a, caller)
		if err != nil {
			return nil, err
		}
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		capacity, err := a.count("assistant_count", true)
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.CreateDeposit(ctx, caller, id, amount, capacity)
		if err != nil {
			return nil, err
		}
		return createdDeposit{Deposit: models.NewDepositView(d), Nonce: nonce}, nil
	})
}

func (s *MCPServer) registerCreateOpenEndedDepositTool() {
	tool := mcp.NewTool("create_open_ended_deposit",
		mcp.WithDescription("Fund an open-ended mission paying per_claim_amount to each claim."),
		mcp.WithString("task_id", mcp.Description("Explicit task id; derived from caller and nonce when omitted")),
		mcp.WithString("nonce", mcp.Description("uuid or 0x hex nonce used to derive the task id")),
		mcp.WithString("amount", mcp.Required(), mcp.Description("Total credits to escrow")),
		mcp.WithString("per_claim_amount", mcp.Required(), mcp.Description("Credits paid per claim")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, nonce, err := taskFor(a, caller)
		if err != nil {
			return nil, err
		}
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		perClaim, err := a.amount("per_claim_amount")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.CreateOpenEndedDeposit(ctx, caller, id, amount, perClaim)
		if err != nil {
			return nil, err
		}
		return createdDeposit{Deposit: models.NewDepositView(d), Nonce: nonce}, nil
	})
}

func (s *MCPServer) registerViewDepositTool() {
	tool := mcp.NewTool("view_deposit",
		mcp.WithDescription("Get a deposit by task id"),
		taskIDArg(),
	)
	s.addTool(tool, false, func(ctx context.Context, a args, _ common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.ViewDeposit(ctx, id)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerListDepositsTool() {
	tool := mcp.NewTool("list_deposits",
		mcp.WithDescription("List deposits with optional filtering"),
		mcp.WithString("depositor", mcp.Description("Filter by depositor address")),
		mcp.WithBoolean("open_ended", mcp.Description("Only missions (true) or only fixed tasks (false)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of deposits to return")),
		mcp.WithNumber("offset", mcp.Description("Number of deposits to skip")),
	)
	s.addTool(tool, false, func(ctx context.Context, a args, _ common.Address) (any, error) {
		var f escrow.Filter
		if a.present("depositor") {
			who, err := a.address("depositor")
			if err != nil {
				return nil, err
			}
			f.Depositor = &who
		}
		if v, ok, err := a.boolean("open_ended"); err != nil {
			return nil, err
		} else if ok {
			f.OpenEnded = &v
		}
		limit, err := a.count("limit", false)
		if err != nil {
			return nil, err
		}
		offset, err := a.count("offset", false)
		if err != nil {
			return nil, err
		}
		f.Limit, f.Offset = int(limit), int(offset)
		if f.Limit == 0 {
			f.Limit = defaultListLimit
		}
		ds, err := s.escrow.ListDeposits(ctx, f)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"deposits":    models.NewDepositViews(ds),
			"total_count": len(ds),
		}, nil
	})
}

func (s *MCPServer) registerDeleteDepositTool() {
	tool := mcp.NewTool("delete_deposit",
		mcp.WithDescription("Remove an emptied deposit. Admin only."),
		taskIDArg(),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		if err := s.escrow.DeleteDeposit(ctx, caller, id); err != nil {
			return nil, err
		}
		return map[string]string{"task_id": id.Hex(), "status": "deleted"}, nil
	})
}

func (s *MCPServer) registerRemainingClaimsTool() {
	tool := mcp.NewTool("calculate_remaining_claims",
		mcp.WithDescription("How many claims and acceptances a task can still pay for"),
		taskIDArg(),
	)
	s.addTool(tool, false, func(ctx context.Context, a args, _ common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		rem, err := s.escrow.CalculateRemainingClaims(ctx, id)
		if err != nil {
			return nil, err
		}
		return models.NewRemainingView(id, rem), nil
	})
}

type addedRecipient struct {
	Recipient models.RecipientView `json:"recipient"`
	Nonce     string               `json:"nonce,omitempty"`
}

func (s *MCPServer) registerAddRecipientTool() {
	tool := mcp.NewTool("add_recipient",
		mcp.WithDescription("Attach a recipient to a task. Depositor only."),
		taskIDArg(),
		mcp.WithString("recipient_address", mcp.Required(), mcp.Description("Recipient wallet")),
		mcp.WithString("recipient_id", mcp.Description("Explicit recipient id; derived from address and nonce when omitted")),
		mcp.WithString("nonce", mcp.Description("uuid or 0x hex nonce used to derive the recipient id")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		recipient, err := a.address("recipient_address")
		if err != nil {
			return nil, err
		}
		var rid escrow.RecipientID
		var nonce string
		if a.present("recipient_id") {
			if rid, err = a.handle("recipient_id"); err != nil {
				return nil, err
			}
		} else {
			n, err := a.nonce("nonce")
			if err != nil {
				return nil, err
			}
			rid, nonce = escrow.DeriveRecipientID(recipient, n), n.String()
		}
		sl, err := s.escrow.AddRecipient(ctx, caller, id, recipient, rid)
		if err != nil {
			return nil, err
		}
		return addedRecipient{Recipient: models.NewRecipientView(sl), Nonce: nonce}, nil
	})
}

// slotTool registers a tool addressed by task_id and recipient_id.
func (s *MCPServer) slotTool(name, description string, authenticated bool, fn func(ctx context.Context, caller common.Address, id escrow.TaskID, rid escrow.RecipientID) (any, error)) {
	tool := mcp.NewTool(name, mcp.WithDescription(description), taskIDArg(), recipientIDArg())
	s.addTool(tool, authenticated, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		rid, err := a.handle("recipient_id")
		if err != nil {
			return nil, err
		}
		return fn(ctx, caller, id, rid)
	})
}

func (s *MCPServer) registerRemoveRecipientTool() {
	s.slotTool("remove_recipient", "Detach a recipient that is not yet claimable. Admin only.", true,
		func(ctx context.Context, caller common.Address, id escrow.TaskID, rid escrow.RecipientID) (any, error) {
			d, err := s.escrow.RemoveRecipient(ctx, caller, id, rid)
			if err != nil {
				return nil, err
			}
			return models.NewDepositView(d), nil
		})
}

func (s *MCPServer) registerViewRecipientTool() {
	s.slotTool("view_recipient", "Get one recipient of a task", false,
		func(ctx context.Context, _ common.Address, id escrow.TaskID, rid escrow.RecipientID) (any, error) {
			sl, err := s.escrow.ViewRecipient(ctx, id, rid)
			if err != nil {
				return nil, err
			}
			return models.NewRecipientView(sl), nil
		})
}

func (s *MCPServer) registerListRecipientsTool() {
	tool := mcp.NewTool("list_recipients",
		mcp.WithDescription("List the recipients of a task in the order they were added"),
		taskIDArg(),
	)
	s.addTool(tool, false, func(ctx context.Context, a args, _ common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		slots, err := s.escrow.ListRecipients(ctx, id)
		if err != nil {
			return nil, err
		}
		return models.NewRecipientViews(slots), nil
	})
}

func (s *MCPServer) registerSetClaimableTool() {
	s.slotTool("set_claimable", "Approve a recipient's work. Depositor or admin.", true,
		func(ctx context.Context, caller common.Address, id escrow.TaskID, rid escrow.RecipientID) (any, error) {
			sl, err := s.escrow.SetClaimable(ctx, caller, id, rid)
			if err != nil {
				return nil, err
			}
			return models.NewRecipientView(sl), nil
		})
}

func (s *MCPServer) registerClaimTool() {
	s.slotTool("claim", "Pay the caller's share. Recipient only.", true,
		func(ctx context.Context, caller common.Address, id escrow.TaskID, rid escrow.RecipientID) (any, error) {
			sl, err := s.escrow.Claim(ctx, caller, id, rid)
			if err != nil {
				return nil, err
			}
			return models.NewRecipientView(sl), nil
		})
}

func (s *MCPServer) registerRefundTool() {
	tool := mcp.NewTool("refund",
		mcp.WithDescription("Return the refundable amount of a never-accepted task to its depositor"),
		taskIDArg(),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.Refund(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerForceRefundTool() {
	tool := mcp.NewTool("force_refund",
		mcp.WithDescription("Settle a task in favour of a recipient or the depositor. Admin only."),
		taskIDArg(),
		recipientIDArg(),
		mcp.WithString("beneficiary", mcp.Required(), mcp.Description("The slot's recipient or the task's depositor")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		rid, err := a.handle("recipient_id")
		if err != nil {
			return nil, err
		}
		beneficiary, err := a.address("beneficiary")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.ForceRefund(ctx, caller, id, rid, beneficiary)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerSetAllowRefundTool() {
	tool := mcp.NewTool("set_allow_refund",
		mcp.WithDescription("Enable or disable depositor refunds. Admin only."),
		taskIDArg(),
		mcp.WithBoolean("allow_refund", mcp.Required(), mcp.Description("Whether refunds are allowed")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		allow, ok, err := a.boolean("allow_refund")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewMissingFieldError(a.tool, "allow_refund")
		}
		d, err := s.escrow.SetAllowRefund(ctx, caller, id, allow)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerIncreaseAssistantCountTool() {
	tool := mcp.NewTool("increase_assistant_count",
		mcp.WithDescription("Raise the capacity of a fixed-capacity task, optionally adding funds"),
		taskIDArg(),
		mcp.WithNumber("assistant_count", mcp.Required(), mcp.Description("New assistant count")),
		mcp.WithString("additional_amount", mcp.Description("Credits to add, default 0")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		capacity, err := a.count("assistant_count", true)
		if err != nil {
			return nil, err
		}
		additional, err := a.optionalAmount("additional_amount")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.IncreaseAssistantCount(ctx, caller, id, capacity, additional)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerIncreaseEnergyAmountTool() {
	tool := mcp.NewTool("increase_energy_amount",
		mcp.WithDescription("Add funds to a fixed-capacity task; recipients who already claimed are topped up to the new share"),
		taskIDArg(),
		mcp.WithString("amount", mcp.Required(), mcp.Description("Credits to add")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.IncreaseEnergyAmount(ctx, caller, id, amount)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerIncreasePerClaimTool() {
	tool := mcp.NewTool("increase_energy_amount_for_open_ended",
		mcp.WithDescription("Change the per-claim amount of a mission"),
		taskIDArg(),
		mcp.WithString("per_claim_amount", mcp.Required(), mcp.Description("New per-claim amount")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		rate, err := a.amount("per_claim_amount")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.IncreaseEnergyAmountForOpenEnded(ctx, caller, id, rate)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

func (s *MCPServer) registerDepositForOpenEndedTool() {
	tool := mcp.NewTool("deposit_for_open_ended",
		mcp.WithDescription("Add funds to a mission"),
		taskIDArg(),
		mcp.WithString("amount", mcp.Required(), mcp.Description("Credits to add")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		id, err := a.handle("task_id")
		if err != nil {
			return nil, err
		}
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		d, err := s.escrow.DepositForOpenEnded(ctx, caller, id, amount)
		if err != nil {
			return nil, err
		}
		return models.NewDepositView(d), nil
	})
}

type rolesResult struct {
	Owner  string   `json:"owner"`
	Admins []string `json:"admins"`
}

func (s *MCPServer) roles() rolesResult {
	r := s.escrow.Policy().Roles()
	out := rolesResult{Owner: r.Owner.Hex(), Admins: make([]string, len(r.Admins))}
	for i, a := range r.Admins {
		out.Admins[i] = a.Hex()
	}
	return out
}

func (s *MCPServer) registerTransferOwnershipTool() {
	tool := mcp.NewTool("transfer_ownership",
		mcp.WithDescription("Hand the escrow to a new owner. Owner only."),
		mcp.WithString("owner", mcp.Required(), mcp.Description("New owner address")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		next, err := a.address("owner")
		if err != nil {
			return nil, err
		}
		if err := s.escrow.TransferOwnership(ctx, caller, next); err != nil {
			return nil, err
		}
		return s.roles(), nil
	})
}

func (s *MCPServer) registerGrantAdminTool() {
	tool := mcp.NewTool("grant_admin",
		mcp.WithDescription("Give a wallet admin rights. Owner only."),
		mcp.WithString("address", mcp.Required(), mcp.Description("Wallet address")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		who, err := a.address("address")
		if err != nil {
			return nil, err
		}
		if err := s.escrow.GrantAdmin(ctx, caller, who); err != nil {
			return nil, err
		}
		return s.roles(), nil
	})
}

func (s *MCPServer) registerRevokeAdminTool() {
	tool := mcp.NewTool("revoke_admin",
		mcp.WithDescription("Remove a wallet's admin rights. Owner only."),
		mcp.WithString("address", mcp.Required(), mcp.Description("Wallet address")),
	)
	s.addTool(tool, true, func(ctx context.Context, a args, caller common.Address) (any, error) {
		who, err := a.address("address")
		if err != nil {
			return nil, err
		}
		if err := s.escrow.RevokeAdmin(ctx, caller, who); err != nil {
			return nil, err
		}
		return s.roles(), nil
	})
}

func (s *MCPServer) registerDeriveIDsTool() {
	tool := mcp.NewTool("derive_ids",
		mcp.WithDescription("Derive the task id (for a depositor) or recipient id (for a recipient) from an address and nonce"),
		mcp.WithString("address", mcp.Required(), mcp.Description("Depositor or recipient address")),
		mcp.WithString("nonce", mcp.Description("uuid or 0x hex nonce; generated when omitted")),
	)
	s.addTool(tool, false, func(_ context.Context, a args, _ common.Address) (any, error) {
		who, err := a.address("address")
		if err != nil {
			return nil, err
		}
		n, err := a.nonce("nonce")
		if err != nil {
			return nil, err
		}
		return models.IDsView{
			Address:     who.Hex(),
			Nonce:       n.String(),
			TaskID:      escrow.DeriveTaskID(who, n).Hex(),
			RecipientID: escrow.DeriveRecipientID(who, n).Hex(),
		}, nil
	})
}
