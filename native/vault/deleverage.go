package vault

import (
	"math/big"

	"termchain/crypto"
)

// liquidationBounds computes the maximum deposit a liquidator may apply
// against an under-collateralized account. The deposit is bounded by the
// amount that clears debt down to the vault's minimum borrow size and, when a
// ceiling is configured, clamped so the post-liquidation collateral ratio
// cannot exceed MaxRequiredRatioBps. Under-liquidation is always safe; the
// clamp only bounds liquidator profit.
func liquidationBounds(cfg *VaultConfig, debt, shareValue *big.Int) *big.Int {
	bound := new(big.Int).Set(debt)
	if cfg.MinAccountBorrowSize != nil && cfg.MinAccountBorrowSize.Sign() > 0 {
		partial := new(big.Int).Sub(debt, cfg.MinAccountBorrowSize)
		if partial.Sign() > 0 {
			bound = partial
		}
	}
	if cfg.MaxRequiredRatioBps > cfg.LiquidationBonusBps {
		maxRatio := new(big.Int).SetUint64(cfg.MaxRequiredRatioBps)
		bonus := new(big.Int).SetUint64(cfg.LiquidationBonusBps)
		// deposit*(maxRatio-bonus) <= maxRatio*debt - value*10000
		numerator := new(big.Int).Mul(maxRatio, debt)
		numerator.Sub(numerator, new(big.Int).Mul(shareValue, basisPoints))
		if numerator.Sign() <= 0 {
			return big.NewInt(0)
		}
		denominator := new(big.Int).Sub(maxRatio, bonus)
		clamp := numerator.Quo(numerator, denominator)
		bound = bigMin(bound, clamp)
	}
	return bound
}

// DeleverageAccount lets a third party pay down an under-collateralized
// account's debt in exchange for a discounted slice of its vault shares. The
// forced repayment happens at a zero lend rate: the liquidated account does
// not earn market rate on it, which is a deliberate protocol-level cost of
// being liquidated. Returns the shares awarded and the deposit accepted.
func (e *Engine) DeleverageAccount(caller, account crypto.Address, vaultID string, liquidator crypto.Address, depositAmount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if e.strategy == nil {
		return nil, nil, errNilStrategy
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, nil, err
	}
	if cfg.DeleverageDisabled {
		return nil, nil, errDeleverageDisabled
	}
	if cfg.VaultOnlyDeleverage && !caller.Equal(cfg.VaultAddress) {
		return nil, nil, errUnauthorized
	}
	if caller.Equal(account) || liquidator.Equal(account) || caller.Equal(liquidator) {
		return nil, nil, errSelfLiquidation
	}
	depositAmount = bigZero(depositAmount)
	if depositAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}

	token, err := e.acquire(vaultID, account)
	if err != nil {
		return nil, nil, err
	}
	defer token.Release()

	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return nil, nil, err
	}
	acct, err := e.ensureVaultAccount(vaultID, account)
	if err != nil {
		return nil, nil, err
	}
	if acct.Maturity == 0 {
		return nil, nil, errMaturityMismatch
	}
	// Matured positions are settled, never liquidated.
	if matured(acct.Maturity, e.now()) {
		return nil, nil, errPositionMatured
	}

	state, err := e.ensureVaultState(vaultID, acct.Maturity)
	if err != nil {
		return nil, nil, err
	}
	factors, err := e.accountHealth(cfg, state, acct, prime)
	if err != nil {
		return nil, nil, err
	}
	min := new(big.Int).SetUint64(cfg.MinCollateralRatioBps)
	if factors.CollateralRatioBps.Cmp(min) >= 0 {
		return nil, nil, errSufficientCollateral
	}
	debt := factors.DebtOutstanding
	shareValue := factors.VaultShareValue
	if debt.Sign() <= 0 || shareValue.Sign() <= 0 {
		return nil, nil, errInvalidDeposit
	}

	bound := liquidationBounds(cfg, debt, shareValue)
	if bound.Sign() <= 0 {
		return nil, nil, errInvalidDeposit
	}
	depositAccepted := bigMin(new(big.Int).Set(depositAmount), bound)
	clamped := depositAccepted.Cmp(depositAmount) < 0

	// Shares are bought at a discount proportional to the deposit's share of
	// total position value.
	sharesToLiquidator := new(big.Int).Mul(depositAccepted, new(big.Int).SetUint64(cfg.LiquidationBonusBps))
	sharesToLiquidator.Mul(sharesToLiquidator, acct.VaultShares)
	sharesToLiquidator.Quo(sharesToLiquidator, basisPoints)
	sharesToLiquidator.Quo(sharesToLiquidator, shareValue)
	sharesToLiquidator = bigMin(sharesToLiquidator, new(big.Int).Set(acct.VaultShares))

	balances := newBalanceSheet(e.state)
	// The forced repayment ledger sits with the protocol reserve: the debt is
	// relabelled at a zero rate rather than traded through the market.
	if err := balances.debit(liquidator, cfg.BorrowCurrency, depositAccepted); err != nil {
		return nil, nil, err
	}
	if err := balances.credit(e.reserveAddress, cfg.BorrowCurrency, depositAccepted); err != nil {
		return nil, nil, err
	}

	capacityUsed, err := e.capacityUsed(vaultID, cfg.BorrowCurrency)
	if err != nil {
		return nil, nil, err
	}
	if acct.Maturity == PrimeMaturity {
		scaled := scaledFromUnderlying(depositAccepted, prime.Index)
		owed := new(big.Int).Neg(acct.AccountDebt)
		scaled = bigMin(scaled, owed)
		acct.AccountDebt.Add(acct.AccountDebt, scaled)
	} else {
		acct.AccountDebt.Add(acct.AccountDebt, depositAccepted)
		if acct.AccountDebt.Sign() > 0 {
			acct.AccountDebt.SetInt64(0)
		}
		capacityUsed.Sub(capacityUsed, depositAccepted)
		if capacityUsed.Sign() < 0 {
			capacityUsed.SetInt64(0)
		}
	}
	state.TotalDebtUnderlying.Sub(state.TotalDebtUnderlying, depositAccepted)
	if state.TotalDebtUnderlying.Sign() < 0 {
		state.TotalDebtUnderlying.SetInt64(0)
	}

	acct.VaultShares.Sub(acct.VaultShares, sharesToLiquidator)

	// The liquidator takes shares directly, or redeemed cash when the vault
	// is configured that way.
	var liqAccount *VaultAccount
	if cfg.DeleverageToCash {
		value, err := e.strategy.Redeem(account, sharesToLiquidator, nil)
		if err != nil {
			return nil, nil, err
		}
		state.TotalVaultShares.Sub(state.TotalVaultShares, sharesToLiquidator)
		if state.TotalVaultShares.Sign() < 0 {
			state.TotalVaultShares.SetInt64(0)
		}
		if err := balances.credit(liquidator, cfg.BorrowCurrency, bigZero(value)); err != nil {
			return nil, nil, err
		}
	} else {
		liqAccount, err = e.ensureVaultAccount(vaultID, liquidator)
		if err != nil {
			return nil, nil, err
		}
		if liqAccount.Maturity != 0 && liqAccount.Maturity != acct.Maturity {
			return nil, nil, errMaturityMismatch
		}
		liqAccount.Maturity = acct.Maturity
		liqAccount.VaultShares.Add(liqAccount.VaultShares, sharesToLiquidator)
		// Total shares in the maturity are unchanged; they moved between
		// accounts.
	}

	if acct.AccountDebt.Sign() == 0 && acct.VaultShares.Sign() == 0 {
		acct.Maturity = 0
	}

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutBorrowCapacityUsed(vaultID, cfg.BorrowCurrency, capacityUsed); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultState(state); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, nil, err
	}
	if liqAccount != nil {
		if err := e.state.PutVaultAccount(vaultID, liqAccount); err != nil {
			return nil, nil, err
		}
	}
	if err := balances.commit(); err != nil {
		return nil, nil, err
	}

	e.emit(NewDeleveragedEvent(vaultID, acct, liquidator, depositAccepted, sharesToLiquidator, clamped))
	observeLiquidation("primary")
	observeOperation("deleverage")
	return sharesToLiquidator, depositAccepted, nil
}
