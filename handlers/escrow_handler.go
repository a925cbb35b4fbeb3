package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

const defaultPageSize = 50

// EscrowHandler exposes the escrow lifecycle over REST. Mutating routes
// act on behalf of the wallet bound to the request's API key.
type EscrowHandler struct {
	*BaseHandler
	escrow *escrow.Escrow
}

// NewEscrowHandler creates a new escrow handler
func NewEscrowHandler(logger *slog.Logger, svc *escrow.Escrow) *EscrowHandler {
	return &EscrowHandler{BaseHandler: NewBaseHandler(logger), escrow: svc}
}

// HandleCreateDeposit funds a new task from the caller.
// @Summary Create a deposit
// @Description Creates a fixed-capacity task, or an open-ended mission when open_ended is set.
// @Description task_id may be omitted; it is then derived from the caller and nonce.
// @Tags Deposits
// @Accept  json
// @Produce  json
// @Param request body models.CreateDepositRequest true "Deposit"
// @Success 201 {object} models.APIResponse
// @Failure 400 {object} models.APIResponse
// @Failure 402 {object} models.APIResponse
// @Failure 409 {object} models.APIResponse
// @Router /api/deposits [post]
func (h *EscrowHandler) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDepositRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	who := caller(r)
	id, nonce, err := resolveTaskID(who, req.TaskID, req.Nonce)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	amount, err := escrow.ParseAmount(req.Amount)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	var d escrow.Deposit
	if req.OpenEnded {
		perClaim, perr := escrow.ParseAmount(req.PerClaimAmount)
		if perr != nil {
			h.sendFailure(w, r, perr)
			return
		}
		d, err = h.escrow.CreateOpenEndedDeposit(r.Context(), who, id, amount, perClaim)
	} else {
		d, err = h.escrow.CreateDeposit(r.Context(), who, id, amount, req.AssistantCount)
	}
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	var meta map[string]any
	if nonce != "" {
		meta = map[string]any{"nonce": nonce}
	}
	h.sendJSON(w, http.StatusCreated, models.NewSuccessResponseWithMeta(models.NewDepositView(d), meta))
}

// resolveTaskID returns the explicit id, or derives one from the caller
// and nonce. The returned nonce is empty when the id was explicit.
func resolveTaskID(who common.Address, rawID, rawNonce string) (escrow.TaskID, string, error) {
	if rawID != "" {
		id, err := escrow.ParseHandle(rawID)
		return id, "", err
	}
	n, err := nonceOrNew(rawNonce)
	if err != nil {
		return escrow.TaskID{}, "", err
	}
	return escrow.DeriveTaskID(who, n), n.String(), nil
}

func nonceOrNew(raw string) (escrow.Nonce, error) {
	if raw == "" {
		return escrow.NewNonce(), nil
	}
	return escrow.ParseNonce(raw)
}

// HandleListDeposits lists deposits.
// @Summary List deposits
// @Tags Deposits
// @Produce  json
// @Param depositor query string false "Depositor address"
// @Param open_ended query bool false "Only missions (true) or only fixed tasks (false)"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Offset"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits [get]
func (h *EscrowHandler) HandleListDeposits(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	ds, err := h.escrow.ListDeposits(r.Context(), f)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponseWithMeta(models.NewDepositViews(ds), map[string]any{
		"count":  len(ds),
		"limit":  f.Limit,
		"offset": f.Offset,
	}))
}

func parseFilter(r *http.Request) (escrow.Filter, error) {
	q := r.URL.Query()
	var f escrow.Filter
	if raw := q.Get("depositor"); raw != "" {
		addr, err := escrow.ParseAddress(raw)
		if err != nil {
			return f, err
		}
		f.Depositor = &addr
	}
	switch q.Get("open_ended") {
	case "":
	case "true", "1":
		yes := true
		f.OpenEnded = &yes
	case "false", "0":
		no := false
		f.OpenEnded = &no
	default:
		return f, fmt.Errorf("%w: open_ended must be true or false", escrow.ErrInvalidParams)
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

// HandleGetDeposit returns one deposit.
// @Summary View a deposit
// @Tags Deposits
// @Produce  json
// @Param task path string true "Task id (0x-prefixed 32 bytes)"
// @Success 200 {object} models.APIResponse
// @Failure 404 {object} models.APIResponse
// @Router /api/deposits/{task} [get]
func (h *EscrowHandler) HandleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	d, err := h.escrow.ViewDeposit(r.Context(), id)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewDepositView(d))
}

// HandleDeleteDeposit removes an emptied deposit.
// @Summary Delete a deposit
// @Description Admin only. The deposit amount must be zero.
// @Tags Deposits
// @Produce  json
// @Param task path string true "Task id"
// @Success 200 {object} models.APIResponse
// @Failure 409 {object} models.APIResponse
// @Router /api/deposits/{task} [delete]
func (h *EscrowHandler) HandleDeleteDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	if err := h.escrow.DeleteDeposit(r.Context(), caller(r), id); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, map[string]string{"task_id": id.Hex(), "status": "deleted"})
}

// HandleRemaining reports how many claims and acceptances remain.
// @Summary Remaining claims
// @Tags Deposits
// @Produce  json
// @Param task path string true "Task id"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/remaining [get]
func (h *EscrowHandler) HandleRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	rem, err := h.escrow.CalculateRemainingClaims(r.Context(), id)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewRemainingView(id, rem))
}

// HandleAddRecipient attaches a recipient to a task.
// @Summary Add a recipient
// @Description Depositor only. recipient_id may be omitted; it is then derived from the recipient address and nonce.
// @Tags Recipients
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.AddRecipientRequest true "Recipient"
// @Success 201 {object} models.APIResponse
// @Failure 409 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients [post]
func (h *EscrowHandler) HandleAddRecipient(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var req models.AddRecipientRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	recipient, err := escrow.ParseAddress(req.Recipient)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	var rid escrow.RecipientID
	var nonce string
	if req.RecipientID != "" {
		rid, err = escrow.ParseHandle(req.RecipientID)
	} else {
		var n escrow.Nonce
		if n, err = nonceOrNew(req.Nonce); err == nil {
			rid, nonce = escrow.DeriveRecipientID(recipient, n), n.String()
		}
	}
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	sl, err := h.escrow.AddRecipient(r.Context(), caller(r), id, recipient, rid)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var meta map[string]any
	if nonce != "" {
		meta = map[string]any{"nonce": nonce}
	}
	h.sendJSON(w, http.StatusCreated, models.NewSuccessResponseWithMeta(models.NewRecipientView(sl), meta))
}

// HandleListRecipients lists the recipients of a task in the order they were added.
// @Summary List recipients
// @Tags Recipients
// @Produce  json
// @Param task path string true "Task id"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients [get]
func (h *EscrowHandler) HandleListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	slots, err := h.escrow.ListRecipients(r.Context(), id)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewRecipientViews(slots))
}

// HandleGetRecipient returns one recipient slot.
// @Summary View a recipient
// @Tags Recipients
// @Produce  json
// @Param task path string true "Task id"
// @Param recipient path string true "Recipient id"
// @Success 200 {object} models.APIResponse
// @Failure 404 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients/{recipient} [get]
func (h *EscrowHandler) HandleGetRecipient(w http.ResponseWriter, r *http.Request) {
	id, rid, ok := h.slotParams(w, r)
	if !ok {
		return
	}
	sl, err := h.escrow.ViewRecipient(r.Context(), id, rid)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewRecipientView(sl))
}

// HandleRemoveRecipient detaches a recipient that is not yet claimable.
// @Summary Remove a recipient
// @Description Admin only.
// @Tags Recipients
// @Produce  json
// @Param task path string true "Task id"
// @Param recipient path string true "Recipient id"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients/{recipient} [delete]
func (h *EscrowHandler) HandleRemoveRecipient(w http.ResponseWriter, r *http.Request) {
	id, rid, ok := h.slotParams(w, r)
	if !ok {
		return
	}
	d, err := h.escrow.RemoveRecipient(r.Context(), caller(r), id, rid)
	h.sendDeposit(w, r, d, err)
}

// HandleSetClaimable approves a recipient's work.
// @Summary Mark a recipient claimable
// @Description Depositor or admin.
// @Tags Recipients
// @Produce  json
// @Param task path string true "Task id"
// @Param recipient path string true "Recipient id"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients/{recipient}/claimable [post]
func (h *EscrowHandler) HandleSetClaimable(w http.ResponseWriter, r *http.Request) {
	id, rid, ok := h.slotParams(w, r)
	if !ok {
		return
	}
	sl, err := h.escrow.SetClaimable(r.Context(), caller(r), id, rid)
	h.sendSlot(w, r, sl, err)
}

// HandleClaim pays the caller's share.
// @Summary Claim a reward
// @Description Recipient only.
// @Tags Recipients
// @Produce  json
// @Param task path string true "Task id"
// @Param recipient path string true "Recipient id"
// @Success 200 {object} models.APIResponse
// @Failure 409 {object} models.APIResponse
// @Router /api/deposits/{task}/recipients/{recipient}/claim [post]
func (h *EscrowHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	id, rid, ok := h.slotParams(w, r)
	if !ok {
		return
	}
	sl, err := h.escrow.Claim(r.Context(), caller(r), id, rid)
	h.sendSlot(w, r, sl, err)
}

// HandleRefund returns the refundable amount to the depositor.
// @Summary Refund a deposit
// @Tags Deposits
// @Produce  json
// @Param task path string true "Task id"
// @Success 200 {object} models.APIResponse
// @Failure 409 {object} models.APIResponse
// @Router /api/deposits/{task}/refund [post]
func (h *EscrowHandler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	d, err := h.escrow.Refund(r.Context(), caller(r), id)
	h.sendDeposit(w, r, d, err)
}

// HandleForceRefund settles a task in favour of the recipient or the depositor.
// @Summary Force a refund
// @Description Admin only. beneficiary must be the slot's recipient or the depositor.
// @Tags Deposits
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.ForceRefundRequest true "Beneficiary"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/force-refund [post]
func (h *EscrowHandler) HandleForceRefund(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var req models.ForceRefundRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	rid, err := escrow.ParseHandle(req.RecipientID)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	beneficiary, err := escrow.ParseAddress(req.Beneficiary)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	d, err := h.escrow.ForceRefund(r.Context(), caller(r), id, rid, beneficiary)
	h.sendDeposit(w, r, d, err)
}

// HandleRefundFlag toggles whether the depositor may refund.
// @Summary Set the refund flag
// @Description Admin only.
// @Tags Deposits
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.RefundFlagRequest true "Flag"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/refund-flag [post]
func (h *EscrowHandler) HandleRefundFlag(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var req models.RefundFlagRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	d, err := h.escrow.SetAllowRefund(r.Context(), caller(r), id, req.AllowRefund)
	h.sendDeposit(w, r, d, err)
}

// HandleIncreaseBudget tops up a fixed-capacity task and compensates
// recipients who already claimed at the old rate.
// @Summary Increase a task budget
// @Tags Funding
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.AmountRequest true "Additional amount"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/budget [post]
func (h *EscrowHandler) HandleIncreaseBudget(w http.ResponseWriter, r *http.Request) {
	id, amount, ok := h.amountBody(w, r)
	if !ok {
		return
	}
	d, err := h.escrow.IncreaseEnergyAmount(r.Context(), caller(r), id, amount)
	h.sendDeposit(w, r, d, err)
}

// HandleIncreaseCapacity raises the assistant count of a fixed-capacity task.
// @Summary Increase assistant count
// @Tags Funding
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.CapacityRequest true "New capacity"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/capacity [post]
func (h *EscrowHandler) HandleIncreaseCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var req models.CapacityRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	additional := new(big.Int)
	if req.AdditionalAmount != "" {
		if additional, err = escrow.ParseAmount(req.AdditionalAmount); err != nil {
			h.sendFailure(w, r, err)
			return
		}
	}
	d, err := h.escrow.IncreaseAssistantCount(r.Context(), caller(r), id, req.AssistantCount, additional)
	h.sendDeposit(w, r, d, err)
}

// HandlePerClaim changes the per-claim rate of a mission.
// @Summary Change the per-claim amount
// @Tags Funding
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.PerClaimRequest true "Rate"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/per-claim [post]
func (h *EscrowHandler) HandlePerClaim(w http.ResponseWriter, r *http.Request) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	var req models.PerClaimRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	rate, err := escrow.ParseAmount(req.PerClaimAmount)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	d, err := h.escrow.IncreaseEnergyAmountForOpenEnded(r.Context(), caller(r), id, rate)
	h.sendDeposit(w, r, d, err)
}

// HandleTopUp adds funds to a mission.
// @Summary Fund a mission
// @Tags Funding
// @Accept  json
// @Produce  json
// @Param task path string true "Task id"
// @Param request body models.AmountRequest true "Additional amount"
// @Success 200 {object} models.APIResponse
// @Router /api/deposits/{task}/top-up [post]
func (h *EscrowHandler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	id, amount, ok := h.amountBody(w, r)
	if !ok {
		return
	}
	d, err := h.escrow.DepositForOpenEnded(r.Context(), caller(r), id, amount)
	h.sendDeposit(w, r, d, err)
}

// HandleGetRoles returns the owner and admin set.
// @Summary View roles
// @Tags Admin
// @Produce  json
// @Success 200 {object} models.APIResponse
// @Router /api/admin/roles [get]
func (h *EscrowHandler) HandleGetRoles(w http.ResponseWriter, r *http.Request) {
	h.sendSuccess(w, rolesView(h.escrow.Policy().Roles()))
}

// HandleTransferOwnership hands the escrow to a new owner.
// @Summary Transfer ownership
// @Description Owner only.
// @Tags Admin
// @Accept  json
// @Produce  json
// @Param request body models.OwnershipRequest true "New owner"
// @Success 200 {object} models.APIResponse
// @Router /api/admin/ownership [post]
func (h *EscrowHandler) HandleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req models.OwnershipRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	next, err := escrow.ParseAddress(req.Owner)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	if err := h.escrow.TransferOwnership(r.Context(), caller(r), next); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, rolesView(h.escrow.Policy().Roles()))
}

// HandleGrantAdmin adds an admin.
// @Summary Grant admin
// @Tags Admin
// @Produce  json
// @Param address path string true "Wallet address"
// @Success 200 {object} models.APIResponse
// @Router /api/admin/admins/{address} [post]
func (h *EscrowHandler) HandleGrantAdmin(w http.ResponseWriter, r *http.Request) {
	h.changeAdmin(w, r, h.escrow.GrantAdmin)
}

// HandleRevokeAdmin removes an admin.
// @Summary Revoke admin
// @Tags Admin
// @Produce  json
// @Param address path string true "Wallet address"
// @Success 200 {object} models.APIResponse
// @Router /api/admin/admins/{address} [delete]
func (h *EscrowHandler) HandleRevokeAdmin(w http.ResponseWriter, r *http.Request) {
	h.changeAdmin(w, r, h.escrow.RevokeAdmin)
}

func (h *EscrowHandler) changeAdmin(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, caller, who common.Address) error) {
	who, err := escrow.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	if err := change(r.Context(), caller(r), who); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, rolesView(h.escrow.Policy().Roles()))
}

// RolesView is the wire form of escrow.Roles.
type RolesView struct {
	Owner  string   `json:"owner"`
	Admins []string `json:"admins"`
}

func rolesView(r escrow.Roles) RolesView {
	v := RolesView{Owner: r.Owner.Hex(), Admins: make([]string, len(r.Admins))}
	for i, a := range r.Admins {
		v.Admins[i] = a.Hex()
	}
	return v
}

func (h *EscrowHandler) slotParams(w http.ResponseWriter, r *http.Request) (escrow.TaskID, escrow.RecipientID, bool) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return id, escrow.RecipientID{}, false
	}
	rid, err := recipientParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return id, rid, false
	}
	return id, rid, true
}

func (h *EscrowHandler) amountBody(w http.ResponseWriter, r *http.Request) (escrow.TaskID, *big.Int, bool) {
	id, err := taskParam(r)
	if err != nil {
		h.sendFailure(w, r, err)
		return id, nil, false
	}
	var req models.AmountRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return id, nil, false
	}
	amount, err := escrow.ParseAmount(req.Amount)
	if err != nil {
		h.sendFailure(w, r, err)
		return id, nil, false
	}
	return id, amount, true
}

func (h *EscrowHandler) sendDeposit(w http.ResponseWriter, r *http.Request, d escrow.Deposit, err error) {
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewDepositView(d))
}

func (h *EscrowHandler) sendSlot(w http.ResponseWriter, r *http.Request, sl escrow.RecipientSlot, err error) {
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.NewRecipientView(sl))
}
