package vault

import "math/big"

// CalculateHealth is the pure collateral health calculation. strategyValue is
// the underlying value of the account's vault shares as reported by the
// strategy; secondaryDebt is the account's secondary-currency debt already
// converted to the borrow currency's underlying terms (zero when the vault
// has no secondary borrows). All division floors toward zero.
//
// An account with no outstanding debt, or whose maturity has fully settled
// with shares and debt drained, reports the maximum ratio and is never
// compared against the configured threshold.
func CalculateHealth(cfg *VaultConfig, state *VaultState, account *VaultAccount, primeIndex, secondaryDebt, strategyValue *big.Int) HealthFactors {
	factors := HealthFactors{
		CollateralRatioBps: new(big.Int).Set(maxRatioBps),
		LeverageRatioBps:   big.NewInt(0),
		VaultShareValue:    big.NewInt(0),
		DebtOutstanding:    big.NewInt(0),
	}
	if account == nil {
		return factors
	}
	if strategyValue != nil && strategyValue.Sign() > 0 {
		factors.VaultShareValue = new(big.Int).Set(strategyValue)
	}

	debt := debtOutstanding(account, primeIndex)
	if secondaryDebt != nil && secondaryDebt.Sign() > 0 {
		debt = new(big.Int).Add(debt, secondaryDebt)
	}
	if debt.Sign() == 0 {
		return factors
	}
	if state != nil && state.IsFullySettled && bigZero(account.VaultShares).Sign() == 0 {
		return factors
	}
	factors.DebtOutstanding = debt

	ratio := new(big.Int).Mul(factors.VaultShareValue, basisPoints)
	ratio.Quo(ratio, debt)
	if ratio.Cmp(maxRatioBps) > 0 {
		ratio.Set(maxRatioBps)
	}
	factors.CollateralRatioBps = ratio

	// Leverage is debt relative to equity. With equity at or below zero the
	// position is beyond full leverage and the ratio saturates.
	equity := new(big.Int).Sub(factors.VaultShareValue, debt)
	if equity.Sign() <= 0 {
		factors.LeverageRatioBps = new(big.Int).Set(maxRatioBps)
		return factors
	}
	leverage := new(big.Int).Mul(debt, basisPoints)
	leverage.Quo(leverage, equity)
	factors.LeverageRatioBps = leverage
	return factors
}

// debtOutstanding returns the positive underlying amount the account owes on
// its primary debt. Fixed-term debt is carried at its fCash notional; prime
// debt is the scaled balance grown through the prime borrow index.
func debtOutstanding(account *VaultAccount, primeIndex *big.Int) *big.Int {
	if account == nil || account.AccountDebt == nil || account.AccountDebt.Sign() >= 0 {
		return big.NewInt(0)
	}
	owed := new(big.Int).Neg(account.AccountDebt)
	if account.Maturity == PrimeMaturity {
		return underlyingFromScaled(owed, primeIndex)
	}
	return owed
}

// healthy reports whether the factors satisfy the vault's solvency floor.
func healthy(cfg *VaultConfig, factors HealthFactors) bool {
	if cfg == nil {
		return false
	}
	min := new(big.Int).SetUint64(cfg.MinCollateralRatioBps)
	return factors.CollateralRatioBps.Cmp(min) >= 0
}
