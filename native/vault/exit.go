package vault

import (
	"math/big"

	"termchain/crypto"
)

// ExitVault redeems vault shares and optionally lends to reduce outstanding
// debt, transferring any surplus to the receiver. Redeeming shares without
// proportionally reducing debt can itself break solvency, so the collateral
// floor is re-checked whenever debt remains. Returns the underlying amount
// paid out to the receiver.
func (e *Engine) ExitVault(caller, account crypto.Address, vaultID string, receiver crypto.Address, sharesToRedeem, lendAmount *big.Int, minLendRateBps uint64, strategyData []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.strategy == nil {
		return nil, errNilStrategy
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	if err := e.guardVault(cfg); err != nil {
		return nil, err
	}
	if err := authorizeAccountOp(cfg, caller, account); err != nil {
		return nil, err
	}
	sharesToRedeem = bigZero(sharesToRedeem)
	lendAmount = bigZero(lendAmount)
	if sharesToRedeem.Sign() < 0 || lendAmount.Sign() < 0 {
		return nil, errInvalidAmount
	}

	token, err := e.acquire(vaultID, account)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	acct, err := e.ensureVaultAccount(vaultID, account)
	if err != nil {
		return nil, err
	}
	if acct.Maturity == 0 {
		return nil, errMaturityMismatch
	}
	if cfg.MinHoldSeconds > 0 && acct.LastUpdateTime+cfg.MinHoldSeconds > e.now() {
		return nil, errMinHoldPeriod
	}

	balances := newBalanceSheet(e.state)
	settlement, err := e.settleInMemory(cfg, acct, prime, balances)
	if err != nil {
		return nil, err
	}
	if acct.Maturity == 0 && sharesToRedeem.Sign() > 0 {
		return nil, errInsufficientShares
	}

	// Settlement can fully drain the position; no maturity bucket remains to
	// update in that case.
	var state *VaultState
	if acct.Maturity != 0 {
		state, err = e.ensureVaultState(vaultID, acct.Maturity)
		if err != nil {
			return nil, err
		}
		if settlement != nil {
			if reuse := settlement.stateFor(acct.Maturity); reuse != nil {
				state = reuse
			}
		}
	}

	sharesReduced := false
	if sharesToRedeem.Sign() > 0 {
		if sharesToRedeem.Cmp(acct.VaultShares) > 0 {
			return nil, errInsufficientShares
		}
		value, err := e.strategy.Redeem(account, sharesToRedeem, strategyData)
		if err != nil {
			return nil, err
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, bigZero(value))
		acct.VaultShares.Sub(acct.VaultShares, sharesToRedeem)
		state.TotalVaultShares.Sub(state.TotalVaultShares, sharesToRedeem)
		if state.TotalVaultShares.Sign() < 0 {
			state.TotalVaultShares.SetInt64(0)
		}
		sharesReduced = true
	}

	capacityUsed, err := e.capacityUsed(vaultID, cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	settlement.applyCapacityRelease(capacityUsed)
	if lendAmount.Sign() > 0 {
		outstanding := debtOutstanding(acct, prime.Index)
		if lendAmount.Cmp(outstanding) > 0 {
			return nil, errRepayExceedsDebt
		}
		if acct.Maturity == PrimeMaturity {
			// Prime debt repays at face value; no market trade is involved.
			scaled := scaledFromUnderlying(lendAmount, prime.Index)
			owed := new(big.Int).Neg(acct.AccountDebt)
			scaled = bigMin(scaled, owed)
			acct.AccountDebt.Add(acct.AccountDebt, scaled)
			acct.TempCashBalance.Sub(acct.TempCashBalance, lendAmount)
		} else {
			if e.executor == nil {
				return nil, errNilExecutor
			}
			cost, err := e.executor.Lend(cfg.BorrowCurrency, acct.Maturity, lendAmount, minLendRateBps)
			if err != nil {
				return nil, err
			}
			if cost == nil || cost.Sign() <= 0 {
				return nil, errFailedLend
			}
			acct.AccountDebt.Add(acct.AccountDebt, lendAmount)
			acct.TempCashBalance.Sub(acct.TempCashBalance, cost)
			capacityUsed.Sub(capacityUsed, lendAmount)
			if capacityUsed.Sign() < 0 {
				capacityUsed.SetInt64(0)
			}
		}
		state.TotalDebtUnderlying.Sub(state.TotalDebtUnderlying, lendAmount)
		if state.TotalDebtUnderlying.Sign() < 0 {
			state.TotalDebtUnderlying.SetInt64(0)
		}
	}

	if err := checkMinBorrow(cfg, debtOutstanding(acct, prime.Index)); err != nil {
		return nil, err
	}

	if acct.AccountDebt.Sign() < 0 && sharesReduced {
		factors, err := e.accountHealth(cfg, state, acct, prime)
		if err != nil {
			return nil, err
		}
		if !healthy(cfg, factors) {
			return nil, errUnderCollateralized
		}
	}

	// Net the scratch balance: surplus flows to the receiver, a deficit is
	// pulled from the account's own balance.
	toReceiver := big.NewInt(0)
	if acct.TempCashBalance.Sign() > 0 {
		if e.freeCollateral != nil {
			ok, err := e.freeCollateral.Check(account)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errFreeCollateral
			}
		}
		toReceiver = new(big.Int).Set(acct.TempCashBalance)
		if err := balances.credit(receiver, cfg.BorrowCurrency, toReceiver); err != nil {
			return nil, err
		}
	} else if acct.TempCashBalance.Sign() < 0 {
		deficit := new(big.Int).Neg(acct.TempCashBalance)
		if err := balances.debit(account, cfg.BorrowCurrency, deficit); err != nil {
			return nil, err
		}
	}
	acct.TempCashBalance = big.NewInt(0)

	if acct.AccountDebt.Sign() == 0 && acct.VaultShares.Sign() == 0 {
		acct.Maturity = 0
	}

	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, err
	}
	if err := settlement.persist(e); err != nil {
		return nil, err
	}
	if err := e.state.PutBorrowCapacityUsed(vaultID, cfg.BorrowCurrency, capacityUsed); err != nil {
		return nil, err
	}
	if state != nil {
		if err := e.state.PutVaultState(state); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, err
	}

	e.emit(NewExitedEvent(vaultID, acct, receiver, sharesToRedeem, lendAmount, toReceiver))
	observeOperation("exit")
	return toReceiver, nil
}
