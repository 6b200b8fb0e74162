package vault

import (
	"math/big"

	"termchain/crypto"
)

// settlementResult captures every record mutated while converting a matured
// position to prime debt. Nothing is persisted until the enclosing operation
// has passed all of its checks.
type settlementResult struct {
	vaultID         string
	states          map[uint64]*VaultState
	deletes         []uint64
	secondaryPools  []*SecondaryBorrowState
	secondaryShares []*SecondaryDebtShare
	primes          []*PrimeRateState
	capacityRelease *big.Int
	feeEscrowed     *big.Int
}

func (r *settlementResult) stateFor(maturity uint64) *VaultState {
	if r == nil {
		return nil
	}
	return r.states[maturity]
}

func (r *settlementResult) persist(e *Engine) error {
	if r == nil {
		return nil
	}
	for _, prime := range r.primes {
		if err := e.state.PutPrimeRate(prime); err != nil {
			return err
		}
	}
	for _, state := range r.states {
		if err := e.state.PutVaultState(state); err != nil {
			return err
		}
	}
	for _, maturity := range r.deletes {
		if err := e.state.DeleteVaultState(r.vaultID, maturity); err != nil {
			return err
		}
	}
	for _, pool := range r.secondaryPools {
		if err := e.state.PutSecondaryState(pool); err != nil {
			return err
		}
	}
	for _, share := range r.secondaryShares {
		if err := e.state.PutSecondaryShare(r.vaultID, share); err != nil {
			return err
		}
	}
	return nil
}

// applyCapacityRelease folds the fixed-term borrow capacity freed by the
// settlement into used. The enclosing operation owns the capacity record and
// persists the result together with its own capacity changes.
func (r *settlementResult) applyCapacityRelease(used *big.Int) {
	if r == nil || r.capacityRelease == nil {
		return
	}
	used.Sub(used, r.capacityRelease)
	if used.Sign() < 0 {
		used.SetInt64(0)
	}
}

// loadSecondaryState returns the pooled secondary borrow state, lazily
// initialised. Prime-maturity pools track the currency's prime borrow index.
func (e *Engine) loadSecondaryState(vaultID string, currency uint16, maturity uint64) (*SecondaryBorrowState, error) {
	pool, err := e.state.GetSecondaryState(vaultID, currency, maturity)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &SecondaryBorrowState{VaultID: vaultID, Currency: currency, Maturity: maturity}
	}
	if pool.TotalDebtShares == nil {
		pool.TotalDebtShares = big.NewInt(0)
	}
	if pool.TotalDebtUnderlying == nil {
		pool.TotalDebtUnderlying = big.NewInt(0)
	}
	if pool.Index == nil || pool.Index.Sign() == 0 {
		pool.Index = new(big.Int).Set(ray)
	}
	if maturity == PrimeMaturity {
		rate, err := e.accruePrime(currency)
		if err != nil {
			return nil, err
		}
		pool.Index = new(big.Int).Set(rate.Index)
		pool.LastAccrual = rate.LastAccrual
	}
	return pool, nil
}

// settleInMemory converts a matured fixed-term position to prime debt. It
// returns nil when the account holds no matured fixed-term position; the
// conversion is a pure state relabelling at the pool's settlement index, so
// settling twice cannot change anything. Vault shares are untouched; they
// migrate with the account to the prime maturity bucket.
func (e *Engine) settleInMemory(cfg *VaultConfig, acct *VaultAccount, prime *PrimeRateState, balances *balanceSheet) (*settlementResult, error) {
	if !matured(acct.Maturity, e.now()) {
		return nil, nil
	}

	oldMaturity := acct.Maturity
	oldState, err := e.ensureVaultState(cfg.VaultID, oldMaturity)
	if err != nil {
		return nil, err
	}
	primeState, err := e.ensureVaultState(cfg.VaultID, PrimeMaturity)
	if err != nil {
		return nil, err
	}

	result := &settlementResult{
		vaultID:         cfg.VaultID,
		states:          map[uint64]*VaultState{oldMaturity: oldState, PrimeMaturity: primeState},
		capacityRelease: big.NewInt(0),
		feeEscrowed:     big.NewInt(0),
	}

	// Pool-level settlement happens lazily on first contact past maturity:
	// snapshot the prime index so every account converts at the same rate and
	// escrow the settlement fee for reserves.
	if !oldState.IsSettled {
		oldState.IsSettled = true
		oldState.SettlementIndex = new(big.Int).Set(prime.Index)
		if e.settlementFeeBps > 0 {
			fee := bpsShare(oldState.TotalDebtUnderlying, e.settlementFeeBps)
			vaultBal, err := balances.get(cfg.VaultAddress, cfg.BorrowCurrency)
			if err != nil {
				return nil, err
			}
			fee = bigMin(fee, new(big.Int).Set(vaultBal))
			if fee.Sign() > 0 {
				if err := balances.debit(cfg.VaultAddress, cfg.BorrowCurrency, fee); err != nil {
					return nil, err
				}
				oldState.EscrowedAssetCash.Add(oldState.EscrowedAssetCash, fee)
				result.feeEscrowed = fee
			}
		}
	}
	settlementIndex := oldState.SettlementIndex
	if settlementIndex == nil || settlementIndex.Sign() == 0 {
		settlementIndex = prime.Index
	}

	// Convert the account's fCash debt to prime debt shares at the pool's
	// settlement index.
	debtU := big.NewInt(0)
	if acct.AccountDebt.Sign() < 0 {
		debtU = new(big.Int).Neg(acct.AccountDebt)
		scaled := scaledFromUnderlying(debtU, settlementIndex)
		acct.AccountDebt = new(big.Int).Neg(scaled)
		oldState.TotalDebtUnderlying.Sub(oldState.TotalDebtUnderlying, debtU)
		if oldState.TotalDebtUnderlying.Sign() < 0 {
			oldState.TotalDebtUnderlying.SetInt64(0)
		}
		primeState.TotalDebtUnderlying.Add(primeState.TotalDebtUnderlying, debtU)
		result.capacityRelease = debtU
	} else {
		acct.AccountDebt = big.NewInt(0)
	}

	// Shares follow the account into the prime bucket.
	if acct.VaultShares.Sign() > 0 {
		oldState.TotalVaultShares.Sub(oldState.TotalVaultShares, acct.VaultShares)
		if oldState.TotalVaultShares.Sign() < 0 {
			oldState.TotalVaultShares.SetInt64(0)
		}
		primeState.TotalVaultShares.Add(primeState.TotalVaultShares, acct.VaultShares)
	}

	// Secondary debt shares migrate to the prime-maturity pools at their
	// settlement-time underlying value.
	for slot, currency := range cfg.SecondaryCurrencies {
		share, err := e.state.GetSecondaryShare(cfg.VaultID, acct.Address, slot)
		if err != nil {
			return nil, err
		}
		if share == nil || bigZero(share.DebtShares).Sign() == 0 {
			continue
		}
		oldPool, err := e.loadSecondaryState(cfg.VaultID, currency, oldMaturity)
		if err != nil {
			return nil, err
		}
		primePool, err := e.loadSecondaryState(cfg.VaultID, currency, PrimeMaturity)
		if err != nil {
			return nil, err
		}
		secondaryRate, err := e.accruePrime(currency)
		if err != nil {
			return nil, err
		}
		underlying := underlyingFromScaled(share.DebtShares, oldPool.Index)
		oldPool.TotalDebtShares.Sub(oldPool.TotalDebtShares, share.DebtShares)
		oldPool.TotalDebtUnderlying.Sub(oldPool.TotalDebtUnderlying, underlying)
		if oldPool.TotalDebtUnderlying.Sign() < 0 {
			oldPool.TotalDebtUnderlying.SetInt64(0)
		}
		newShares := scaledFromUnderlying(underlying, primePool.Index)
		primePool.TotalDebtShares.Add(primePool.TotalDebtShares, newShares)
		primePool.TotalDebtUnderlying.Add(primePool.TotalDebtUnderlying, underlying)
		share.DebtShares = newShares
		result.secondaryPools = append(result.secondaryPools, oldPool, primePool)
		result.secondaryShares = append(result.secondaryShares, share)
		result.primes = append(result.primes, secondaryRate)
	}

	// Once every participant has settled the escrow releases to reserves and
	// a fully drained bucket is destroyed.
	if oldState.TotalDebtUnderlying.Sign() == 0 {
		oldState.IsFullySettled = true
		if oldState.EscrowedAssetCash.Sign() > 0 {
			if err := balances.credit(e.reserveAddress, cfg.BorrowCurrency, oldState.EscrowedAssetCash); err != nil {
				return nil, err
			}
			oldState.EscrowedAssetCash = big.NewInt(0)
		}
		if oldState.TotalVaultShares.Sign() == 0 {
			delete(result.states, oldMaturity)
			result.deletes = append(result.deletes, oldMaturity)
		}
	}

	acct.Maturity = PrimeMaturity
	if acct.AccountDebt.Sign() == 0 && acct.VaultShares.Sign() == 0 {
		acct.Maturity = 0
	}
	return result, nil
}

// SettleVaultAccount converts a matured fixed-term position into prime debt
// at the pool's settlement index. It is permissionless: settlement is a
// mechanical transition with no discretionary choice, so anyone may trigger
// it. Settling an account with nothing to settle is a no-op success.
func (e *Engine) SettleVaultAccount(account crypto.Address, vaultID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return err
	}
	// Settlement stays available while a vault is paused; only the module
	// level pause halts it.
	if err := guardModule(e.pauses); err != nil {
		return err
	}

	token, err := e.acquire(vaultID, account)
	if err != nil {
		return err
	}
	defer token.Release()

	acct, err := e.ensureVaultAccount(vaultID, account)
	if err != nil {
		return err
	}
	if acct.Maturity == 0 || acct.Maturity == PrimeMaturity {
		return nil
	}
	if !matured(acct.Maturity, e.now()) {
		return errNotMatured
	}

	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return err
	}
	balances := newBalanceSheet(e.state)
	maturity := acct.Maturity
	result, err := e.settleInMemory(cfg, acct, prime, balances)
	if err != nil {
		return err
	}
	capacityUsed, err := e.capacityUsed(vaultID, cfg.BorrowCurrency)
	if err != nil {
		return err
	}
	result.applyCapacityRelease(capacityUsed)

	if err := e.state.PutPrimeRate(prime); err != nil {
		return err
	}
	if err := result.persist(e); err != nil {
		return err
	}
	if err := e.state.PutBorrowCapacityUsed(vaultID, cfg.BorrowCurrency, capacityUsed); err != nil {
		return err
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return err
	}
	if err := balances.commit(); err != nil {
		return err
	}

	e.emit(NewSettledEvent(vaultID, acct, maturity, result.feeEscrowed))
	observeOperation("settle")
	return nil
}
