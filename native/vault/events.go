package vault

import (
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"termchain/core/types"
	"termchain/crypto"
)

const (
	EventTypeVaultEntered         = "vault.entered"
	EventTypeVaultRolled          = "vault.rolled"
	EventTypeVaultSettled         = "vault.settled"
	EventTypeVaultExited          = "vault.exited"
	EventTypeVaultDeleveraged     = "vault.deleveraged"
	EventTypeSecondaryBorrowed    = "vault.secondary.borrowed"
	EventTypeSecondaryRepaid      = "vault.secondary.repaid"
	EventTypeSecondaryLiquidated  = "vault.secondary.liquidated"
	EventTypeExcessCashLiquidated = "vault.excess_cash.liquidated"
)

// vaultEvent adapts the canonical payload to the emitter interface.
type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event returns the underlying payload.
func (e vaultEvent) Event() *types.Event { return e.evt }

func accountAttrs(attrs map[string]string, vaultID string, acct *VaultAccount) {
	attrs["vault"] = vaultID
	if acct == nil {
		return
	}
	attrs["account"] = acct.Address.String()
	attrs["maturity"] = strconv.FormatUint(acct.Maturity, 10)
	if acct.AccountDebt != nil {
		attrs["accountDebt"] = acct.AccountDebt.String()
	}
	if acct.VaultShares != nil {
		attrs["vaultShares"] = acct.VaultShares.String()
	}
}

// NewEnteredEvent returns the canonical payload emitted when a position is
// opened or increased.
func NewEnteredEvent(vaultID string, acct *VaultAccount, deposit, borrowed, sharesMinted *big.Int) *types.Event {
	attrs := make(map[string]string)
	accountAttrs(attrs, vaultID, acct)
	attrs["deposit"] = deposit.String()
	attrs["borrowed"] = borrowed.String()
	attrs["sharesMinted"] = sharesMinted.String()
	return &types.Event{Type: EventTypeVaultEntered, Attributes: attrs}
}

// NewRolledEvent returns the canonical payload emitted when a position moves
// to a later maturity.
func NewRolledEvent(vaultID string, acct *VaultAccount, oldMaturity, newMaturity uint64, sharesMinted *big.Int) *types.Event {
	attrs := make(map[string]string)
	accountAttrs(attrs, vaultID, acct)
	attrs["oldMaturity"] = strconv.FormatUint(oldMaturity, 10)
	attrs["newMaturity"] = strconv.FormatUint(newMaturity, 10)
	attrs["sharesMinted"] = sharesMinted.String()
	return &types.Event{Type: EventTypeVaultRolled, Attributes: attrs}
}

// NewSettledEvent returns the canonical payload emitted when a matured
// position converts to prime debt.
func NewSettledEvent(vaultID string, acct *VaultAccount, settledMaturity uint64, feeEscrowed *big.Int) *types.Event {
	attrs := make(map[string]string)
	accountAttrs(attrs, vaultID, acct)
	attrs["settledMaturity"] = strconv.FormatUint(settledMaturity, 10)
	if feeEscrowed != nil {
		attrs["feeEscrowed"] = feeEscrowed.String()
	}
	return &types.Event{Type: EventTypeVaultSettled, Attributes: attrs}
}

// NewExitedEvent returns the canonical payload emitted when shares are
// redeemed and debt repaid.
func NewExitedEvent(vaultID string, acct *VaultAccount, receiver crypto.Address, sharesRedeemed, lent, paidOut *big.Int) *types.Event {
	attrs := make(map[string]string)
	accountAttrs(attrs, vaultID, acct)
	attrs["receiver"] = receiver.String()
	attrs["sharesRedeemed"] = sharesRedeemed.String()
	attrs["lent"] = lent.String()
	attrs["paidOut"] = paidOut.String()
	return &types.Event{Type: EventTypeVaultExited, Attributes: attrs}
}

// NewDeleveragedEvent returns the canonical payload emitted after a forced
// deleveraging. Each liquidation carries a unique id so downstream indexers
// can reconcile partial fills against the same account.
func NewDeleveragedEvent(vaultID string, acct *VaultAccount, liquidator crypto.Address, deposit, sharesToLiquidator *big.Int, clamped bool) *types.Event {
	attrs := make(map[string]string)
	accountAttrs(attrs, vaultID, acct)
	attrs["liquidationId"] = uuid.NewString()
	attrs["liquidator"] = liquidator.String()
	attrs["deposit"] = deposit.String()
	attrs["sharesToLiquidator"] = sharesToLiquidator.String()
	attrs["clamped"] = strconv.FormatBool(clamped)
	return &types.Event{Type: EventTypeVaultDeleveraged, Attributes: attrs}
}

// NewSecondaryBorrowedEvent returns the canonical payload for a secondary
// currency borrow.
func NewSecondaryBorrowedEvent(vaultID string, account crypto.Address, currency uint16, maturity uint64, amount, debtShares *big.Int) *types.Event {
	attrs := map[string]string{
		"vault":      vaultID,
		"account":    account.String(),
		"currency":   strconv.FormatUint(uint64(currency), 10),
		"maturity":   strconv.FormatUint(maturity, 10),
		"amount":     amount.String(),
		"debtShares": debtShares.String(),
	}
	return &types.Event{Type: EventTypeSecondaryBorrowed, Attributes: attrs}
}

// NewSecondaryRepaidEvent returns the canonical payload for a secondary
// currency repayment, including any overshoot held back as surplus cash.
func NewSecondaryRepaidEvent(vaultID string, account crypto.Address, currency uint16, maturity uint64, repaid, surplus *big.Int) *types.Event {
	attrs := map[string]string{
		"vault":    vaultID,
		"account":  account.String(),
		"currency": strconv.FormatUint(uint64(currency), 10),
		"maturity": strconv.FormatUint(maturity, 10),
		"repaid":   repaid.String(),
		"surplus":  surplus.String(),
	}
	return &types.Event{Type: EventTypeSecondaryRepaid, Attributes: attrs}
}

// NewSecondaryLiquidatedEvent returns the canonical payload for a secondary
// debt liquidation.
func NewSecondaryLiquidatedEvent(vaultID string, account, liquidator crypto.Address, currency uint16, deposit, sharesToLiquidator *big.Int) *types.Event {
	attrs := map[string]string{
		"vault":              vaultID,
		"liquidationId":      uuid.NewString(),
		"account":            account.String(),
		"liquidator":         liquidator.String(),
		"currency":           strconv.FormatUint(uint64(currency), 10),
		"deposit":            deposit.String(),
		"sharesToLiquidator": sharesToLiquidator.String(),
	}
	return &types.Event{Type: EventTypeSecondaryLiquidated, Attributes: attrs}
}

// NewExcessCashLiquidatedEvent returns the canonical payload for an
// excess-cash purchase.
func NewExcessCashLiquidatedEvent(vaultID string, account, liquidator crypto.Address, currency uint16, cashSold, payment *big.Int) *types.Event {
	attrs := map[string]string{
		"vault":         vaultID,
		"liquidationId": uuid.NewString(),
		"account":       account.String(),
		"liquidator":    liquidator.String(),
		"currency":      strconv.FormatUint(uint64(currency), 10),
		"cashSold":      cashSold.String(),
		"payment":       payment.String(),
	}
	return &types.Event{Type: EventTypeExcessCashLiquidated, Attributes: attrs}
}
