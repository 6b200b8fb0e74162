package vault

import (
	"math/big"

	"termchain/crypto"
)

// RollVaultPosition closes the account's position in its current maturity and
// reopens it at a later one: every vault share is redeemed, the old debt is
// lent down to exactly zero, and the combined proceeds re-enter the strategy
// at the new maturity. Positions carrying secondary-currency debt roll all
// currencies or none.
func (e *Engine) RollVaultPosition(caller, account crypto.Address, vaultID string, newMaturity uint64, newBorrowAmount, extraDeposit *big.Int, minLendRateBps, maxBorrowRateBps uint64, strategyData []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.strategy == nil {
		return nil, errNilStrategy
	}
	if e.executor == nil {
		return nil, errNilExecutor
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, err
	}
	if !cfg.AllowRoll {
		return nil, errRollDisabled
	}
	if err := authorizeAccountOp(cfg, caller, account); err != nil {
		return nil, err
	}
	extraDeposit = bigZero(extraDeposit)
	newBorrowAmount = bigZero(newBorrowAmount)
	if extraDeposit.Sign() < 0 || newBorrowAmount.Sign() < 0 {
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
	if acct.Maturity == 0 || acct.Maturity == PrimeMaturity {
		return nil, errMaturityMismatch
	}
	if matured(acct.Maturity, e.now()) {
		return nil, errPositionMatured
	}
	if acct.Maturity != e.currentMaturity(cfg) {
		return nil, errMaturityMismatch
	}
	oldMaturity := acct.Maturity
	term := cfg.TermLengthSeconds
	if newMaturity == PrimeMaturity || newMaturity%term != 0 || newMaturity <= oldMaturity {
		return nil, errRollNotLater
	}

	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	oldState, err := e.ensureVaultState(vaultID, oldMaturity)
	if err != nil {
		return nil, err
	}
	newState, err := e.ensureVaultState(vaultID, newMaturity)
	if err != nil {
		return nil, err
	}
	balances := newBalanceSheet(e.state)

	// Withdraw the full share balance from the old maturity's pool.
	if acct.VaultShares.Sign() > 0 {
		value, err := e.strategy.Redeem(account, acct.VaultShares, strategyData)
		if err != nil {
			return nil, err
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, bigZero(value))
		oldState.TotalVaultShares.Sub(oldState.TotalVaultShares, acct.VaultShares)
		if oldState.TotalVaultShares.Sign() < 0 {
			oldState.TotalVaultShares.SetInt64(0)
		}
		acct.VaultShares = big.NewInt(0)
	}

	if extraDeposit.Sign() > 0 {
		if err := balances.debit(account, cfg.BorrowCurrency, extraDeposit); err != nil {
			return nil, err
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, extraDeposit)
	}

	capacityUsed, err := e.capacityUsed(vaultID, cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}

	// The old debt must net to exactly zero before the new borrow opens.
	oldDebt := debtOutstanding(acct, prime.Index)
	if oldDebt.Sign() > 0 {
		cost, err := e.executor.Lend(cfg.BorrowCurrency, oldMaturity, oldDebt, minLendRateBps)
		if err != nil {
			return nil, err
		}
		if cost == nil || cost.Sign() <= 0 {
			return nil, errFailedLend
		}
		acct.TempCashBalance.Sub(acct.TempCashBalance, cost)
		acct.AccountDebt = big.NewInt(0)
		oldState.TotalDebtUnderlying.Sub(oldState.TotalDebtUnderlying, oldDebt)
		if oldState.TotalDebtUnderlying.Sign() < 0 {
			oldState.TotalDebtUnderlying.SetInt64(0)
		}
		capacityUsed.Sub(capacityUsed, oldDebt)
		if capacityUsed.Sign() < 0 {
			capacityUsed.SetInt64(0)
		}
	}

	// Secondary debt rolls with the primary position or the whole operation
	// fails.
	var rolledPools []*SecondaryBorrowState
	var rolledShares []*SecondaryDebtShare
	for slot, currency := range cfg.SecondaryCurrencies {
		share, err := e.state.GetSecondaryShare(vaultID, account, slot)
		if err != nil {
			return nil, err
		}
		if share == nil || bigZero(share.DebtShares).Sign() == 0 {
			continue
		}
		oldPool, err := e.loadSecondaryState(vaultID, currency, oldMaturity)
		if err != nil {
			return nil, err
		}
		newPool, err := e.loadSecondaryState(vaultID, currency, newMaturity)
		if err != nil {
			return nil, err
		}
		underlying := underlyingFromScaled(share.DebtShares, oldPool.Index)
		if err := checkCapacity(newPool.TotalDebtUnderlying, underlying, cfg.SecondaryCap(slot)); err != nil {
			return nil, err
		}
		cost, err := e.executor.Lend(currency, oldMaturity, underlying, minLendRateBps)
		if err != nil {
			return nil, err
		}
		if cost == nil || cost.Sign() <= 0 {
			return nil, errFailedLend
		}
		if err := balances.debit(cfg.VaultAddress, currency, cost); err != nil {
			return nil, err
		}
		netCash, err := e.executor.Borrow(currency, newMaturity, underlying, maxBorrowRateBps)
		if err != nil {
			return nil, err
		}
		if err := balances.credit(cfg.VaultAddress, currency, bigZero(netCash)); err != nil {
			return nil, err
		}
		oldPool.TotalDebtShares.Sub(oldPool.TotalDebtShares, share.DebtShares)
		oldPool.TotalDebtUnderlying.Sub(oldPool.TotalDebtUnderlying, underlying)
		if oldPool.TotalDebtUnderlying.Sign() < 0 {
			oldPool.TotalDebtUnderlying.SetInt64(0)
		}
		newShares := scaledFromUnderlying(underlying, newPool.Index)
		newPool.TotalDebtShares.Add(newPool.TotalDebtShares, newShares)
		newPool.TotalDebtUnderlying.Add(newPool.TotalDebtUnderlying, underlying)
		share.DebtShares = newShares
		rolledPools = append(rolledPools, oldPool, newPool)
		rolledShares = append(rolledShares, share)
	}

	if newBorrowAmount.Sign() > 0 {
		if err := checkCapacity(capacityUsed, newBorrowAmount, cfg.MaxPrimaryBorrowCapacity); err != nil {
			return nil, err
		}
		capacityUsed.Add(capacityUsed, newBorrowAmount)
		netCash, err := e.executor.Borrow(cfg.BorrowCurrency, newMaturity, newBorrowAmount, maxBorrowRateBps)
		if err != nil {
			return nil, err
		}
		if netCash == nil || netCash.Sign() <= 0 {
			return nil, errFailedLend
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, netCash)
		acct.AccountDebt = new(big.Int).Neg(newBorrowAmount)
		newState.TotalDebtUnderlying.Add(newState.TotalDebtUnderlying, newBorrowAmount)
	}
	acct.Maturity = newMaturity

	if err := checkMinBorrow(cfg, debtOutstanding(acct, prime.Index)); err != nil {
		return nil, err
	}
	if acct.TempCashBalance.Sign() < 0 {
		return nil, errInsufficientBalance
	}

	sharesAdded := big.NewInt(0)
	if acct.TempCashBalance.Sign() > 0 {
		cash := new(big.Int).Set(acct.TempCashBalance)
		minted, err := e.strategy.Enter(account, cash, strategyData)
		if err != nil {
			return nil, err
		}
		if minted == nil || minted.Sign() <= 0 {
			return nil, errInvalidAmount
		}
		sharesAdded = minted
		acct.TempCashBalance.SetInt64(0)
		acct.VaultShares.Add(acct.VaultShares, minted)
		newState.TotalVaultShares.Add(newState.TotalVaultShares, minted)
	}

	factors, err := e.accountHealth(cfg, newState, acct, prime)
	if err != nil {
		return nil, err
	}
	if !healthy(cfg, factors) {
		return nil, errUnderCollateralized
	}

	acct.LastUpdateTime = e.now()

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, err
	}
	if err := e.state.PutBorrowCapacityUsed(vaultID, cfg.BorrowCurrency, capacityUsed); err != nil {
		return nil, err
	}
	if err := e.state.PutVaultState(oldState); err != nil {
		return nil, err
	}
	if err := e.state.PutVaultState(newState); err != nil {
		return nil, err
	}
	for _, pool := range rolledPools {
		if err := e.state.PutSecondaryState(pool); err != nil {
			return nil, err
		}
	}
	for _, share := range rolledShares {
		if err := e.state.PutSecondaryShare(vaultID, share); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, err
	}

	e.emit(NewRolledEvent(vaultID, acct, oldMaturity, newMaturity, sharesAdded))
	observeOperation("roll")
	return sharesAdded, nil
}
