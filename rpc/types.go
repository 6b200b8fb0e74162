package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"termchain/crypto"
	"termchain/native/vault"
)

// decodeBech32 parses a bech32 account address from an RPC parameter.
func decodeBech32(value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	return crypto.DecodeAddress(trimmed)
}

// parseAmount parses a non-negative base-10 amount. Empty strings decode to
// zero so optional amounts can be omitted.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// vaultAccountResult is the RPC projection of a vault position.
type vaultAccountResult struct {
	Address        string `json:"address"`
	Maturity       uint64 `json:"maturity"`
	AccountDebt    string `json:"accountDebt"`
	VaultShares    string `json:"vaultShares"`
	LastUpdateTime uint64 `json:"lastUpdateTime"`
}

func newVaultAccountResult(account *vault.VaultAccount) *vaultAccountResult {
	if account == nil {
		return nil
	}
	return &vaultAccountResult{
		Address:        account.Address.String(),
		Maturity:       account.Maturity,
		AccountDebt:    formatAmount(account.AccountDebt),
		VaultShares:    formatAmount(account.VaultShares),
		LastUpdateTime: account.LastUpdateTime,
	}
}

// vaultStateResult is the RPC projection of one maturity bucket.
type vaultStateResult struct {
	VaultID             string `json:"vaultId"`
	Maturity            uint64 `json:"maturity"`
	TotalVaultShares    string `json:"totalVaultShares"`
	TotalDebtUnderlying string `json:"totalDebtUnderlying"`
	EscrowedAssetCash   string `json:"escrowedAssetCash"`
	IsSettled           bool   `json:"isSettled"`
	IsFullySettled      bool   `json:"isFullySettled"`
}

func newVaultStateResult(state *vault.VaultState) *vaultStateResult {
	if state == nil {
		return nil
	}
	return &vaultStateResult{
		VaultID:             state.VaultID,
		Maturity:            state.Maturity,
		TotalVaultShares:    formatAmount(state.TotalVaultShares),
		TotalDebtUnderlying: formatAmount(state.TotalDebtUnderlying),
		EscrowedAssetCash:   formatAmount(state.EscrowedAssetCash),
		IsSettled:           state.IsSettled,
		IsFullySettled:      state.IsFullySettled,
	}
}

// vaultConfigResult is the RPC projection of a vault configuration.
type vaultConfigResult struct {
	VaultID               string   `json:"vaultId"`
	VaultAddress          string   `json:"vaultAddress"`
	Enabled               bool     `json:"enabled"`
	Paused                bool     `json:"paused"`
	AllowRoll             bool     `json:"allowRoll"`
	AllowReenter          bool     `json:"allowReenter"`
	DeleverageDisabled    bool     `json:"deleverageDisabled"`
	VaultOnlyDeleverage   bool     `json:"vaultOnlyDeleverage"`
	DeleverageToCash      bool     `json:"deleverageToCash"`
	MinCollateralRatioBps uint64   `json:"minCollateralRatioBps"`
	MaxRequiredRatioBps   uint64   `json:"maxRequiredRatioBps"`
	LiquidationBonusBps   uint64   `json:"liquidationBonusBps"`
	BorrowCurrency        uint16   `json:"borrowCurrency"`
	SecondaryCurrencies   []uint16 `json:"secondaryCurrencies,omitempty"`
	TermLengthSeconds     uint64   `json:"termLengthSeconds"`
	MinHoldSeconds        uint64   `json:"minHoldSeconds"`
	MaxPrimaryBorrow      string   `json:"maxPrimaryBorrowCapacity"`
	MinAccountBorrowSize  string   `json:"minAccountBorrowSize"`
	MinDeposit            string   `json:"minDeposit"`
}

func newVaultConfigResult(cfg *vault.VaultConfig) *vaultConfigResult {
	if cfg == nil {
		return nil
	}
	return &vaultConfigResult{
		VaultID:               cfg.VaultID,
		VaultAddress:          cfg.VaultAddress.String(),
		Enabled:               cfg.Enabled,
		Paused:                cfg.Paused,
		AllowRoll:             cfg.AllowRoll,
		AllowReenter:          cfg.AllowReenter,
		DeleverageDisabled:    cfg.DeleverageDisabled,
		VaultOnlyDeleverage:   cfg.VaultOnlyDeleverage,
		DeleverageToCash:      cfg.DeleverageToCash,
		MinCollateralRatioBps: cfg.MinCollateralRatioBps,
		MaxRequiredRatioBps:   cfg.MaxRequiredRatioBps,
		LiquidationBonusBps:   cfg.LiquidationBonusBps,
		BorrowCurrency:        cfg.BorrowCurrency,
		SecondaryCurrencies:   cfg.SecondaryCurrencies,
		TermLengthSeconds:     cfg.TermLengthSeconds,
		MinHoldSeconds:        cfg.MinHoldSeconds,
		MaxPrimaryBorrow:      formatAmount(cfg.MaxPrimaryBorrowCapacity),
		MinAccountBorrowSize:  formatAmount(cfg.MinAccountBorrowSize),
		MinDeposit:            formatAmount(cfg.MinDeposit),
	}
}

// healthResult is the RPC projection of the collateral health factors.
type healthResult struct {
	CollateralRatioBps string `json:"collateralRatioBps"`
	LeverageRatioBps   string `json:"leverageRatioBps"`
	VaultShareValue    string `json:"vaultShareValue"`
	DebtOutstanding    string `json:"debtOutstanding"`
}
