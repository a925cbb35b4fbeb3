package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

// LedgerHandler exposes balances of the in-process credit ledger and lets
// callers grant the escrow account an allowance.
type LedgerHandler struct {
	*BaseHandler
	account *credit.EscrowAccount
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(logger *slog.Logger, account *credit.EscrowAccount) *LedgerHandler {
	return &LedgerHandler{BaseHandler: NewBaseHandler(logger), account: account}
}

// LedgerInfo describes the credit ledger.
type LedgerInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	TotalSupply string `json:"total_supply"`
	Paused      bool   `json:"paused"`
	Custody     string `json:"custody"`
	Escrowed    string `json:"escrowed"`
}

// HandleInfo returns ledger metadata.
// @Summary Ledger info
// @Tags Ledger
// @Produce  json
// @Success 200 {object} models.APIResponse
// @Router /api/ledger [get]
func (h *LedgerHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	t := h.account.Token()
	h.sendSuccess(w, LedgerInfo{
		Name:        t.Name(),
		Symbol:      t.Symbol(),
		Address:     t.Address().Hex(),
		TotalSupply: t.TotalSupply().String(),
		Paused:      t.Paused(),
		Custody:     h.account.Address().Hex(),
		Escrowed:    t.BalanceOf(h.account.Address()).String(),
	})
}

// HandleBalance returns a wallet's balance and its allowance to the escrow.
// @Summary Wallet balance
// @Tags Ledger
// @Produce  json
// @Param address path string true "Wallet address"
// @Success 200 {object} models.APIResponse
// @Router /api/ledger/balances/{address} [get]
func (h *LedgerHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	who, err := escrow.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	t := h.account.Token()
	custody := h.account.Address()
	h.sendSuccess(w, models.BalanceView{
		Address:   who.Hex(),
		Balance:   t.BalanceOf(who).String(),
		Allowance: t.Allowance(who, custody).String(),
		Spender:   custody.Hex(),
	})
}

// HandleApprove sets the caller's allowance to the escrow account.
// @Summary Approve the escrow
// @Description Sets the allowance the escrow may pull from the caller's wallet.
// @Tags Ledger
// @Accept  json
// @Produce  json
// @Param request body models.AmountRequest true "Allowance"
// @Success 200 {object} models.APIResponse
// @Router /api/ledger/approve [post]
func (h *LedgerHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req models.AmountRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	amount, err := escrow.ParseAmount(req.Amount)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	who := caller(r)
	t := h.account.Token()
	custody := h.account.Address()
	if err := t.Approve(r.Context(), who, custody, amount); err != nil {
		h.sendFailure(w, r, err)
		return
	}
	h.sendSuccess(w, models.BalanceView{
		Address:   who.Hex(),
		Balance:   t.BalanceOf(who).String(),
		Allowance: t.Allowance(who, custody).String(),
		Spender:   custody.Hex(),
	})
}
