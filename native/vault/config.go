package vault

import (
	"math/big"

	"termchain/crypto"
)

// VaultConfig holds the static and governance-controlled parameters of one
// vault. Flags are plain named booleans; compact persistence encoding is a
// storage-layer concern.
type VaultConfig struct {
	VaultID string
	// VaultAddress is the vault strategy's own ledger account. It is the only
	// caller allowed to manage secondary borrows and, when
	// VaultOnlyDeleverage is set, to trigger deleveraging.
	VaultAddress crypto.Address

	Enabled             bool
	Paused              bool
	AllowRoll           bool
	AllowReenter        bool
	DeleverageDisabled  bool
	VaultOnlyDeleverage bool
	// DeleverageToCash pays liquidators in redeemed cash instead of vault
	// shares.
	DeleverageToCash bool

	// MinCollateralRatioBps is the solvency floor enforced after voluntary
	// operations; accounts strictly below it are eligible for deleveraging.
	MinCollateralRatioBps uint64
	// MaxRequiredRatioBps caps how far a liquidation may push the ratio above
	// the floor. Liquidator deposits are clamped to respect it.
	MaxRequiredRatioBps uint64
	// LiquidationBonusBps is the share discount granted to liquidators,
	// strictly greater than one (10_000 bps).
	LiquidationBonusBps uint64

	BorrowCurrency      uint16
	SecondaryCurrencies []uint16

	TermLengthSeconds uint64
	// MinHoldSeconds is the minimum period between entering a position and a
	// voluntary exit.
	MinHoldSeconds uint64

	// MaxPrimaryBorrowCapacity caps outstanding fixed-term borrows in the
	// primary currency. Prime-maturity debt does not count against it: the
	// cap tracks fCash notional, and settlement releases capacity when a
	// matured position converts to prime debt.
	MaxPrimaryBorrowCapacity *big.Int
	SecondaryBorrowCaps      []*big.Int
	// MinAccountBorrowSize keeps positions large enough to be worth
	// liquidating; partial liquidations may not leave debt below it.
	MinAccountBorrowSize *big.Int
	MinDeposit           *big.Int

	// AuthorizedRouters are additional callers allowed to act on behalf of an
	// account for entry, roll and exit.
	AuthorizedRouters []crypto.Address
}

// SecondarySlot returns the slot index of the given currency, or -1 when the
// currency is not configured as a secondary borrow currency.
func (c *VaultConfig) SecondarySlot(currency uint16) int {
	if c == nil {
		return -1
	}
	for i, cur := range c.SecondaryCurrencies {
		if cur == currency {
			return i
		}
	}
	return -1
}

// SecondaryCap returns the configured borrow cap for the slot, zero when the
// cap is unset.
func (c *VaultConfig) SecondaryCap(slot int) *big.Int {
	if c == nil || slot < 0 || slot >= len(c.SecondaryBorrowCaps) || c.SecondaryBorrowCaps[slot] == nil {
		return big.NewInt(0)
	}
	return c.SecondaryBorrowCaps[slot]
}

// RouterAuthorized reports whether the address is a whitelisted router.
func (c *VaultConfig) RouterAuthorized(addr crypto.Address) bool {
	if c == nil {
		return false
	}
	for _, router := range c.AuthorizedRouters {
		if router.Equal(addr) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the vault configuration.
func (c *VaultConfig) Clone() *VaultConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.VaultAddress = c.VaultAddress.Clone()
	clone.SecondaryCurrencies = append([]uint16(nil), c.SecondaryCurrencies...)
	if c.MaxPrimaryBorrowCapacity != nil {
		clone.MaxPrimaryBorrowCapacity = new(big.Int).Set(c.MaxPrimaryBorrowCapacity)
	}
	clone.SecondaryBorrowCaps = make([]*big.Int, len(c.SecondaryBorrowCaps))
	for i, cap := range c.SecondaryBorrowCaps {
		if cap != nil {
			clone.SecondaryBorrowCaps[i] = new(big.Int).Set(cap)
		}
	}
	if c.MinAccountBorrowSize != nil {
		clone.MinAccountBorrowSize = new(big.Int).Set(c.MinAccountBorrowSize)
	}
	if c.MinDeposit != nil {
		clone.MinDeposit = new(big.Int).Set(c.MinDeposit)
	}
	clone.AuthorizedRouters = make([]crypto.Address, len(c.AuthorizedRouters))
	for i, router := range c.AuthorizedRouters {
		clone.AuthorizedRouters[i] = router.Clone()
	}
	return &clone
}

// Validate checks the structural invariants of a vault configuration.
func (c *VaultConfig) Validate() error {
	if c == nil || c.VaultID == "" {
		return errInvalidConfig
	}
	if c.VaultAddress.IsZero() {
		return errInvalidConfig
	}
	if c.MinCollateralRatioBps == 0 {
		return errInvalidConfig
	}
	if c.MaxRequiredRatioBps != 0 && c.MaxRequiredRatioBps < c.MinCollateralRatioBps {
		return errInvalidConfig
	}
	if c.LiquidationBonusBps <= uint64(basisPoints.Int64()) {
		return errInvalidConfig
	}
	if c.TermLengthSeconds == 0 {
		return errInvalidConfig
	}
	if len(c.SecondaryCurrencies) > MaxSecondaryCurrencies {
		return errInvalidConfig
	}
	for _, cur := range c.SecondaryCurrencies {
		if cur == c.BorrowCurrency {
			return errInvalidConfig
		}
	}
	return nil
}

// AdminContext carries the credential for configuration-mutating calls. The
// boundary that accepted the call is responsible for validating the signer;
// the engine only compares it against its configured administrator.
type AdminContext struct {
	Signer crypto.Address
}
