package vault

import (
	"math/big"

	"termchain/crypto"
)

// ensureSecondaryShare loads or initialises the account's debt share record
// for a slot.
func (e *Engine) ensureSecondaryShare(vaultID string, addr crypto.Address, slot int) (*SecondaryDebtShare, error) {
	share, err := e.state.GetSecondaryShare(vaultID, addr, slot)
	if err != nil {
		return nil, err
	}
	if share == nil {
		share = &SecondaryDebtShare{Address: addr, Slot: slot}
	}
	if share.DebtShares == nil {
		share.DebtShares = big.NewInt(0)
	}
	if share.CashBalance == nil {
		share.CashBalance = big.NewInt(0)
	}
	return share, nil
}

// BorrowSecondary draws additional debt in a configured secondary currency
// against an account's position. Only the vault itself may call it: secondary
// borrows fund the vault's strategy, so proceeds land on the vault's ledger
// account, not the position owner's. The account must already hold a position
// at the requested maturity.
func (e *Engine) BorrowSecondary(caller, account crypto.Address, vaultID string, currency uint16, maturity uint64, amount *big.Int, maxBorrowRateBps uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, err
	}
	if !caller.Equal(cfg.VaultAddress) {
		return nil, errUnauthorized
	}
	slot := cfg.SecondarySlot(currency)
	if slot < 0 {
		return nil, errSecondaryNotEnabled
	}
	amount = bigZero(amount)
	if amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	token, err := e.acquire(vaultID, account)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	acct, err := e.ensureVaultAccount(vaultID, account)
	if err != nil {
		return nil, err
	}
	if acct.Maturity == 0 || acct.Maturity != maturity {
		return nil, errMaturityMismatch
	}
	if matured(acct.Maturity, e.now()) {
		return nil, errPositionMatured
	}

	pool, err := e.loadSecondaryState(vaultID, currency, maturity)
	if err != nil {
		return nil, err
	}
	if err := checkCapacity(pool.TotalDebtUnderlying, amount, cfg.SecondaryCap(slot)); err != nil {
		return nil, err
	}

	balances := newBalanceSheet(e.state)
	netCash := new(big.Int).Set(amount)
	if maturity != PrimeMaturity {
		if e.executor == nil {
			return nil, errNilExecutor
		}
		traded, err := e.executor.Borrow(currency, maturity, amount, maxBorrowRateBps)
		if err != nil {
			return nil, err
		}
		if traded == nil || traded.Sign() <= 0 {
			return nil, errFailedLend
		}
		netCash = traded
	}
	if err := balances.credit(cfg.VaultAddress, currency, netCash); err != nil {
		return nil, err
	}

	share, err := e.ensureSecondaryShare(vaultID, account, slot)
	if err != nil {
		return nil, err
	}
	newShares := scaledFromUnderlying(amount, pool.Index)
	share.DebtShares.Add(share.DebtShares, newShares)
	pool.TotalDebtShares.Add(pool.TotalDebtShares, newShares)
	pool.TotalDebtUnderlying.Add(pool.TotalDebtUnderlying, amount)

	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	state, err := e.ensureVaultState(vaultID, acct.Maturity)
	if err != nil {
		return nil, err
	}
	// New secondary debt must leave the position above the collateral floor.
	// The stored share record is stale here, so the fresh borrow is folded
	// into the outstanding debt by hand.
	factors, err := e.accountHealth(cfg, state, acct, prime)
	if err != nil {
		return nil, err
	}
	if e.quotes == nil {
		return nil, errNoQuoteOracle
	}
	rate, err := e.quotes.Rate(currency, cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	totalDebt := new(big.Int).Add(factors.DebtOutstanding, rayMul(amount, rate))
	if totalDebt.Sign() > 0 {
		ratio := new(big.Int).Mul(factors.VaultShareValue, basisPoints)
		ratio.Quo(ratio, totalDebt)
		if ratio.Cmp(new(big.Int).SetUint64(cfg.MinCollateralRatioBps)) < 0 {
			return nil, errUnderCollateralized
		}
	}

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, err
	}
	if err := e.state.PutSecondaryState(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutSecondaryShare(vaultID, share); err != nil {
		return nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, err
	}

	e.emit(NewSecondaryBorrowedEvent(vaultID, account, currency, maturity, amount, newShares))
	observeOperation("borrow_secondary")
	return netCash, nil
}

// RepaySecondary pays down an account's secondary-currency debt from the
// vault's ledger balance. Repaying more than is owed is not an error: the
// overshoot is held as surplus cash on the account's debt share record, where
// it stays claimable through excess-cash liquidation.
func (e *Engine) RepaySecondary(caller, account crypto.Address, vaultID string, currency uint16, maturity uint64, amount *big.Int, minLendRateBps uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, err
	}
	if !caller.Equal(cfg.VaultAddress) {
		return nil, errUnauthorized
	}
	slot := cfg.SecondarySlot(currency)
	if slot < 0 {
		return nil, errSecondaryNotEnabled
	}
	amount = bigZero(amount)
	if amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	token, err := e.acquire(vaultID, account)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	share, err := e.ensureSecondaryShare(vaultID, account, slot)
	if err != nil {
		return nil, err
	}
	pool, err := e.loadSecondaryState(vaultID, currency, maturity)
	if err != nil {
		return nil, err
	}
	owed := underlyingFromScaled(share.DebtShares, pool.Index)
	reduction := bigMin(new(big.Int).Set(amount), owed)
	surplus := new(big.Int).Sub(amount, reduction)

	balances := newBalanceSheet(e.state)
	if reduction.Sign() > 0 {
		cost := new(big.Int).Set(reduction)
		if maturity != PrimeMaturity {
			if e.executor == nil {
				return nil, errNilExecutor
			}
			traded, err := e.executor.Lend(currency, maturity, reduction, minLendRateBps)
			if err != nil {
				return nil, err
			}
			if traded == nil || traded.Sign() <= 0 {
				return nil, errFailedLend
			}
			cost = traded
		}
		if err := balances.debit(cfg.VaultAddress, currency, cost); err != nil {
			return nil, err
		}
		sharesRepaid := scaledFromUnderlying(reduction, pool.Index)
		sharesRepaid = bigMin(sharesRepaid, new(big.Int).Set(share.DebtShares))
		share.DebtShares.Sub(share.DebtShares, sharesRepaid)
		pool.TotalDebtShares.Sub(pool.TotalDebtShares, sharesRepaid)
		if pool.TotalDebtShares.Sign() < 0 {
			pool.TotalDebtShares.SetInt64(0)
		}
		pool.TotalDebtUnderlying.Sub(pool.TotalDebtUnderlying, reduction)
		if pool.TotalDebtUnderlying.Sign() < 0 {
			pool.TotalDebtUnderlying.SetInt64(0)
		}
	}
	if surplus.Sign() > 0 {
		if err := balances.debit(cfg.VaultAddress, currency, surplus); err != nil {
			return nil, err
		}
		share.CashBalance.Add(share.CashBalance, surplus)
	}

	if err := e.state.PutSecondaryState(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutSecondaryShare(vaultID, share); err != nil {
		return nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, err
	}

	e.emit(NewSecondaryRepaidEvent(vaultID, account, currency, maturity, reduction, surplus))
	observeOperation("repay_secondary")
	return reduction, nil
}

// LiquidateSecondaryDebt lets a liquidator pay down an under-collateralized
// account's secondary-currency debt at a zero lend rate, taking discounted
// vault shares in return. The deposit is denominated in the secondary
// currency and valued into the borrow currency for share pricing.
func (e *Engine) LiquidateSecondaryDebt(caller, account crypto.Address, vaultID string, liquidator crypto.Address, currency uint16, depositAmount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
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
	slot := cfg.SecondarySlot(currency)
	if slot < 0 {
		return nil, nil, errSecondaryNotEnabled
	}
	if e.quotes == nil {
		return nil, nil, errNoQuoteOracle
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
	if factors.CollateralRatioBps.Cmp(new(big.Int).SetUint64(cfg.MinCollateralRatioBps)) >= 0 {
		return nil, nil, errSufficientCollateral
	}
	if factors.VaultShareValue.Sign() <= 0 {
		return nil, nil, errInvalidDeposit
	}

	share, err := e.ensureSecondaryShare(vaultID, account, slot)
	if err != nil {
		return nil, nil, err
	}
	pool, err := e.loadSecondaryState(vaultID, currency, acct.Maturity)
	if err != nil {
		return nil, nil, err
	}
	owed := underlyingFromScaled(share.DebtShares, pool.Index)
	if owed.Sign() <= 0 {
		return nil, nil, errInvalidDeposit
	}
	depositAccepted := bigMin(new(big.Int).Set(depositAmount), owed)

	balances := newBalanceSheet(e.state)
	if err := balances.debit(liquidator, currency, depositAccepted); err != nil {
		return nil, nil, err
	}
	if err := balances.credit(e.reserveAddress, currency, depositAccepted); err != nil {
		return nil, nil, err
	}

	sharesRepaid := scaledFromUnderlying(depositAccepted, pool.Index)
	sharesRepaid = bigMin(sharesRepaid, new(big.Int).Set(share.DebtShares))
	share.DebtShares.Sub(share.DebtShares, sharesRepaid)
	pool.TotalDebtShares.Sub(pool.TotalDebtShares, sharesRepaid)
	if pool.TotalDebtShares.Sign() < 0 {
		pool.TotalDebtShares.SetInt64(0)
	}
	pool.TotalDebtUnderlying.Sub(pool.TotalDebtUnderlying, depositAccepted)
	if pool.TotalDebtUnderlying.Sign() < 0 {
		pool.TotalDebtUnderlying.SetInt64(0)
	}

	rate, err := e.quotes.Rate(currency, cfg.BorrowCurrency)
	if err != nil {
		return nil, nil, err
	}
	depositPrimary := rayMul(depositAccepted, rate)
	sharesToLiquidator := new(big.Int).Mul(depositPrimary, new(big.Int).SetUint64(cfg.LiquidationBonusBps))
	sharesToLiquidator.Mul(sharesToLiquidator, acct.VaultShares)
	sharesToLiquidator.Quo(sharesToLiquidator, basisPoints)
	sharesToLiquidator.Quo(sharesToLiquidator, factors.VaultShareValue)
	sharesToLiquidator = bigMin(sharesToLiquidator, new(big.Int).Set(acct.VaultShares))
	acct.VaultShares.Sub(acct.VaultShares, sharesToLiquidator)

	liqAccount, err := e.ensureVaultAccount(vaultID, liquidator)
	if err != nil {
		return nil, nil, err
	}
	if liqAccount.Maturity != 0 && liqAccount.Maturity != acct.Maturity {
		return nil, nil, errMaturityMismatch
	}
	liqAccount.Maturity = acct.Maturity
	liqAccount.VaultShares.Add(liqAccount.VaultShares, sharesToLiquidator)

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutSecondaryState(pool); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutSecondaryShare(vaultID, share); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultAccount(vaultID, liqAccount); err != nil {
		return nil, nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, nil, err
	}

	e.emit(NewSecondaryLiquidatedEvent(vaultID, acct.Address, liquidator, currency, depositAccepted, sharesToLiquidator))
	observeLiquidation("secondary")
	return sharesToLiquidator, depositAccepted, nil
}

// LiquidateExcessCash sells surplus secondary-currency cash held on an
// under-collateralized account's debt share record. The liquidator pays in
// the vault's borrow currency at a discount to the oracle rate; the payment
// reduces the account's primary debt at face value.
func (e *Engine) LiquidateExcessCash(caller, account crypto.Address, vaultID string, liquidator crypto.Address, currency uint16, purchaseAmount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, nil, err
	}
	if cfg.VaultOnlyDeleverage && !caller.Equal(cfg.VaultAddress) {
		return nil, nil, errUnauthorized
	}
	if caller.Equal(account) || liquidator.Equal(account) || caller.Equal(liquidator) {
		return nil, nil, errSelfLiquidation
	}
	slot := cfg.SecondarySlot(currency)
	if slot < 0 {
		return nil, nil, errSecondaryNotEnabled
	}
	if e.quotes == nil {
		return nil, nil, errNoQuoteOracle
	}
	purchaseAmount = bigZero(purchaseAmount)
	if purchaseAmount.Sign() <= 0 {
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

	state, err := e.ensureVaultState(vaultID, acct.Maturity)
	if err != nil {
		return nil, nil, err
	}
	factors, err := e.accountHealth(cfg, state, acct, prime)
	if err != nil {
		return nil, nil, err
	}
	if factors.CollateralRatioBps.Cmp(new(big.Int).SetUint64(cfg.MinCollateralRatioBps)) >= 0 {
		return nil, nil, errSufficientCollateral
	}

	share, err := e.ensureSecondaryShare(vaultID, account, slot)
	if err != nil {
		return nil, nil, err
	}
	if share.CashBalance.Sign() <= 0 {
		return nil, nil, errNoSurplusCash
	}
	cashSold := bigMin(new(big.Int).Set(purchaseAmount), new(big.Int).Set(share.CashBalance))

	// The liquidator pays the oracle value discounted by the bonus.
	rate, err := e.quotes.Rate(currency, cfg.BorrowCurrency)
	if err != nil {
		return nil, nil, err
	}
	payment := rayMul(cashSold, rate)
	payment.Mul(payment, basisPoints)
	payment.Quo(payment, new(big.Int).SetUint64(cfg.LiquidationBonusBps))
	if payment.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}

	balances := newBalanceSheet(e.state)
	if err := balances.debit(liquidator, cfg.BorrowCurrency, payment); err != nil {
		return nil, nil, err
	}
	if err := balances.credit(liquidator, currency, cashSold); err != nil {
		return nil, nil, err
	}
	if err := balances.credit(e.reserveAddress, cfg.BorrowCurrency, payment); err != nil {
		return nil, nil, err
	}
	share.CashBalance.Sub(share.CashBalance, cashSold)

	// Payment retires primary debt at face value.
	if acct.AccountDebt.Sign() < 0 {
		outstanding := debtOutstanding(acct, prime.Index)
		reduction := bigMin(new(big.Int).Set(payment), outstanding)
		if acct.Maturity == PrimeMaturity {
			scaled := scaledFromUnderlying(reduction, prime.Index)
			owed := new(big.Int).Neg(acct.AccountDebt)
			scaled = bigMin(scaled, owed)
			acct.AccountDebt.Add(acct.AccountDebt, scaled)
		} else {
			acct.AccountDebt.Add(acct.AccountDebt, reduction)
			if acct.AccountDebt.Sign() > 0 {
				acct.AccountDebt.SetInt64(0)
			}
		}
		state.TotalDebtUnderlying.Sub(state.TotalDebtUnderlying, reduction)
		if state.TotalDebtUnderlying.Sign() < 0 {
			state.TotalDebtUnderlying.SetInt64(0)
		}
	}

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutSecondaryShare(vaultID, share); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultState(state); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, nil, err
	}

	e.emit(NewExcessCashLiquidatedEvent(vaultID, acct.Address, liquidator, currency, cashSold, payment))
	observeLiquidation("excess_cash")
	return cashSold, payment, nil
}
