package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"termchain/core/events"
	"termchain/core/types"
	"termchain/crypto"
	nativecommon "termchain/native/common"
)

var (
	errNilState             = errors.New("vault engine: state not configured")
	errNilExecutor          = errors.New("vault engine: trade executor not configured")
	errNilStrategy          = errors.New("vault engine: strategy adapter not configured")
	errVaultNotFound        = errors.New("vault engine: vault not configured")
	errVaultDisabled        = errors.New("vault engine: vault disabled")
	errVaultPaused          = errors.New("vault engine: vault paused")
	errUnauthorized         = errors.New("vault engine: caller not authorized")
	errSystemAccount        = errors.New("vault engine: system accounts cannot hold positions")
	errInvalidAmount        = errors.New("vault engine: amount must be positive")
	errInvalidMaturity      = errors.New("vault engine: maturity not valid for vault")
	errMaturityMismatch     = errors.New("vault engine: position maturity mismatch")
	errReenterDisabled      = errors.New("vault engine: re-entry not enabled for vault")
	errRollDisabled         = errors.New("vault engine: roll not enabled for vault")
	errRollNotLater         = errors.New("vault engine: roll target must be a later maturity")
	errNotMatured           = errors.New("vault engine: position has not matured")
	errPositionMatured      = errors.New("vault engine: matured position must be settled")
	errSelfLiquidation      = errors.New("vault engine: account, caller and liquidator must be distinct")
	errSufficientCollateral = errors.New("vault engine: account collateral ratio above minimum")
	errUnderCollateralized  = errors.New("vault engine: collateral ratio below minimum")
	errInsufficientBalance  = errors.New("vault engine: insufficient balance")
	errInsufficientShares   = errors.New("vault engine: insufficient vault shares")
	errRepayExceedsDebt     = errors.New("vault engine: repayment exceeds outstanding debt")
	errFailedLend           = errors.New("vault engine: failed lend, debt not cleared to zero")
	errCapacityExceeded     = errors.New("vault engine: borrow capacity exceeded")
	errBelowMinBorrow       = errors.New("vault engine: debt below minimum account borrow size")
	errBelowMinDeposit      = errors.New("vault engine: deposit below vault minimum")
	errMinHoldPeriod        = errors.New("vault engine: minimum holding period not elapsed")
	errDeleverageDisabled   = errors.New("vault engine: deleverage disabled for vault")
	errInvalidDeposit       = errors.New("vault engine: computed deposit bound not positive")
	errInvalidConfig        = errors.New("vault engine: invalid vault configuration")
	errNoQuoteOracle        = errors.New("vault engine: quote oracle not configured")
	errSecondaryNotEnabled  = errors.New("vault engine: secondary currency not configured")
	errFreeCollateral       = errors.New("vault engine: free collateral check failed")
	errNoSurplusCash        = errors.New("vault engine: no secondary cash surplus")
	errNotAdmin             = errors.New("vault engine: caller is not the administrator")
)

const moduleName = "vault"

// Engine drives the vault position lifecycle: enter, roll, settle, exit and
// forced deleveraging. Every mutating entrypoint loads state, mutates
// in-memory copies, runs all invariant checks and persists only once every
// check has passed, so a failure never leaves partial state behind.
type Engine struct {
	state          engineState
	executor       TradeExecutor
	strategy       StrategyAdapter
	quotes         QuoteOracle
	freeCollateral FreeCollateralOracle
	reserveAddress crypto.Address
	adminAddress   crypto.Address
	emitter        events.Emitter
	pauses         nativecommon.PauseView
	locks          *nativecommon.Locks
	nowFn          func() uint64
	// settlementFeeBps accrues to vault reserves when a maturity settles.
	settlementFeeBps uint64
}

// NewEngine constructs a vault engine configured with the protocol reserve
// and administrator addresses.
func NewEngine(reserveAddr, adminAddr crypto.Address) *Engine {
	return &Engine{
		reserveAddress: reserveAddr,
		adminAddress:   adminAddr,
		emitter:        events.NoopEmitter{},
		locks:          nativecommon.NewLocks(),
		nowFn:          func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetExecutor configures the fixed-rate trade execution engine.
func (e *Engine) SetExecutor(executor TradeExecutor) {
	if e == nil {
		return
	}
	e.executor = executor
}

// SetStrategy configures the external strategy adapter.
func (e *Engine) SetStrategy(strategy StrategyAdapter) {
	if e == nil {
		return
	}
	e.strategy = strategy
}

// SetQuoteOracle configures the currency quote source used for secondary
// borrow valuation.
func (e *Engine) SetQuoteOracle(oracle QuoteOracle) {
	if e == nil {
		return
	}
	e.quotes = oracle
}

// SetFreeCollateralOracle configures the solvency oracle consulted before
// pushing cash out on exit.
func (e *Engine) SetFreeCollateralOracle(oracle FreeCollateralOracle) {
	if e == nil {
		return
	}
	e.freeCollateral = oracle
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetSettlementFee configures the fee, in basis points of settled debt,
// escrowed for vault reserves at pool settlement.
func (e *Engine) SetSettlementFee(bps uint64) {
	if e == nil {
		return
	}
	e.settlementFeeBps = bps
}

// ExemptFromReentrancyGuard whitelists an account key for flash-style flows.
func (e *Engine) ExemptFromReentrancyGuard(vaultID string, account crypto.Address) {
	if e == nil || e.locks == nil {
		return
	}
	e.locks.Exempt(lockKey(vaultID, account))
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func lockKey(vaultID string, account crypto.Address) string {
	return vaultID + "/" + string(account.Bytes())
}

func (e *Engine) acquire(vaultID string, account crypto.Address) (*nativecommon.Token, error) {
	return e.locks.Acquire(lockKey(vaultID, account))
}

// --- loading helpers ---

func (e *Engine) loadConfig(vaultID string) (*VaultConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.state.GetVaultConfig(vaultID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errVaultNotFound
	}
	return cfg, nil
}

func (e *Engine) ensureVaultState(vaultID string, maturity uint64) (*VaultState, error) {
	state, err := e.state.GetVaultState(vaultID, maturity)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &VaultState{VaultID: vaultID, Maturity: maturity}
	}
	if state.TotalVaultShares == nil {
		state.TotalVaultShares = big.NewInt(0)
	}
	if state.TotalDebtUnderlying == nil {
		state.TotalDebtUnderlying = big.NewInt(0)
	}
	if state.EscrowedAssetCash == nil {
		state.EscrowedAssetCash = big.NewInt(0)
	}
	return state, nil
}

func (e *Engine) ensureVaultAccount(vaultID string, addr crypto.Address) (*VaultAccount, error) {
	account, err := e.state.GetVaultAccount(vaultID, addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &VaultAccount{Address: addr}
	}
	if account.AccountDebt == nil {
		account.AccountDebt = big.NewInt(0)
	}
	if account.VaultShares == nil {
		account.VaultShares = big.NewInt(0)
	}
	if account.TempCashBalance == nil {
		account.TempCashBalance = big.NewInt(0)
	}
	return account, nil
}

// accruePrime loads the prime rate state for a currency and advances its
// index to the current block time. The caller persists it on commit.
func (e *Engine) accruePrime(currency uint16) (*PrimeRateState, error) {
	rate, err := e.state.GetPrimeRate(currency)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		rate = &PrimeRateState{Currency: currency}
	}
	if rate.Index == nil || rate.Index.Sign() == 0 {
		rate.Index = new(big.Int).Set(ray)
	}
	now := e.now()
	if now > rate.LastAccrual {
		rate.Index = accrueIndex(rate.Index, rate.AnnualRateBps, now-rate.LastAccrual)
		rate.LastAccrual = now
	}
	return rate, nil
}

// currentMaturity returns the vault's active fixed maturity: the next term
// boundary strictly after the current block time.
func (e *Engine) currentMaturity(cfg *VaultConfig) uint64 {
	term := cfg.TermLengthSeconds
	return (e.now()/term + 1) * term
}

func (e *Engine) validMaturity(cfg *VaultConfig, maturity uint64) bool {
	if maturity == PrimeMaturity {
		return true
	}
	return maturity == e.currentMaturity(cfg)
}

func matured(maturity uint64, now uint64) bool {
	return maturity != 0 && maturity != PrimeMaturity && now >= maturity
}

// authorizeAccountOp checks that the caller may act on the account: the
// account itself, the vault contract, or a whitelisted router.
func authorizeAccountOp(cfg *VaultConfig, caller, account crypto.Address) error {
	if caller.Equal(account) {
		return nil
	}
	if caller.Equal(cfg.VaultAddress) {
		return nil
	}
	if cfg.RouterAuthorized(caller) {
		return nil
	}
	return errUnauthorized
}

func (e *Engine) rejectSystemAccount(cfg *VaultConfig, account crypto.Address) error {
	if account.Equal(cfg.VaultAddress) || account.Equal(e.reserveAddress) {
		return errSystemAccount
	}
	return nil
}

func guardModule(p nativecommon.PauseView) error {
	return nativecommon.Guard(p, moduleName)
}

func (e *Engine) guardVault(cfg *VaultConfig) error {
	if err := guardModule(e.pauses); err != nil {
		return err
	}
	if !cfg.Enabled {
		return errVaultDisabled
	}
	if cfg.Paused {
		return errVaultPaused
	}
	return nil
}

// --- balance staging ---

// balanceSheet stages balance mutations in memory so transfers commit only
// after every invariant check has passed.
type balanceSheet struct {
	state engineState
	cache map[string]*big.Int
	dirty map[string]struct{}
	order []string
	addrs map[string]crypto.Address
	curs  map[string]uint16
}

func newBalanceSheet(state engineState) *balanceSheet {
	return &balanceSheet{
		state: state,
		cache: make(map[string]*big.Int),
		dirty: make(map[string]struct{}),
		addrs: make(map[string]crypto.Address),
		curs:  make(map[string]uint16),
	}
}

func (b *balanceSheet) key(addr crypto.Address, currency uint16) string {
	return fmt.Sprintf("%x/%d", addr.Bytes(), currency)
}

func (b *balanceSheet) get(addr crypto.Address, currency uint16) (*big.Int, error) {
	key := b.key(addr, currency)
	if bal, ok := b.cache[key]; ok {
		return bal, nil
	}
	bal, err := b.state.GetBalance(addr, currency)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		bal = big.NewInt(0)
	}
	b.cache[key] = new(big.Int).Set(bal)
	b.addrs[key] = addr
	b.curs[key] = currency
	b.order = append(b.order, key)
	return b.cache[key], nil
}

func (b *balanceSheet) credit(addr crypto.Address, currency uint16, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	bal, err := b.get(addr, currency)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	b.dirty[b.key(addr, currency)] = struct{}{}
	return nil
}

func (b *balanceSheet) debit(addr crypto.Address, currency uint16, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	bal, err := b.get(addr, currency)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	bal.Sub(bal, amount)
	b.dirty[b.key(addr, currency)] = struct{}{}
	return nil
}

func (b *balanceSheet) commit() error {
	for _, key := range b.order {
		if _, ok := b.dirty[key]; !ok {
			continue
		}
		if err := b.state.PutBalance(b.addrs[key], b.curs[key], b.cache[key]); err != nil {
			return err
		}
	}
	return nil
}

// --- secondary valuation ---

// secondaryDebtInPrimary values the account's outstanding secondary debt in
// the vault's borrow currency. Returns zero when no secondary currencies are
// configured or no debt shares exist.
func (e *Engine) secondaryDebtInPrimary(cfg *VaultConfig, account *VaultAccount) (*big.Int, error) {
	total := big.NewInt(0)
	if len(cfg.SecondaryCurrencies) == 0 || account.Maturity == 0 {
		return total, nil
	}
	for slot, currency := range cfg.SecondaryCurrencies {
		share, err := e.state.GetSecondaryShare(cfg.VaultID, account.Address, slot)
		if err != nil {
			return nil, err
		}
		if share == nil || bigZero(share.DebtShares).Sign() == 0 {
			continue
		}
		pool, err := e.loadSecondaryState(cfg.VaultID, currency, account.Maturity)
		if err != nil {
			return nil, err
		}
		underlying := underlyingFromScaled(share.DebtShares, pool.Index)
		if underlying.Sign() == 0 {
			continue
		}
		if e.quotes == nil {
			return nil, errNoQuoteOracle
		}
		rate, err := e.quotes.Rate(currency, cfg.BorrowCurrency)
		if err != nil {
			return nil, err
		}
		total.Add(total, rayMul(underlying, rate))
	}
	return total, nil
}

// accountHealth gathers strategy value and secondary debt, then runs the pure
// health calculation.
func (e *Engine) accountHealth(cfg *VaultConfig, state *VaultState, account *VaultAccount, prime *PrimeRateState) (HealthFactors, error) {
	var factors HealthFactors
	if e.strategy == nil {
		return factors, errNilStrategy
	}
	value := big.NewInt(0)
	if bigZero(account.VaultShares).Sign() > 0 {
		reported, err := e.strategy.ValueOf(account.Address, account.Maturity, account.VaultShares)
		if err != nil {
			return factors, err
		}
		value = reported
	}
	secondary, err := e.secondaryDebtInPrimary(cfg, account)
	if err != nil {
		return factors, err
	}
	var index *big.Int
	if prime != nil {
		index = prime.Index
	}
	return CalculateHealth(cfg, state, account, index, secondary, value), nil
}

// --- capacity ---

func (e *Engine) capacityUsed(vaultID string, currency uint16) (*big.Int, error) {
	used, err := e.state.GetBorrowCapacityUsed(vaultID, currency)
	if err != nil {
		return nil, err
	}
	if used == nil {
		used = big.NewInt(0)
	}
	return new(big.Int).Set(used), nil
}

func checkCapacity(used, delta, cap *big.Int) error {
	if cap == nil || cap.Sign() == 0 {
		return errCapacityExceeded
	}
	projected := new(big.Int).Add(used, delta)
	if projected.Cmp(cap) > 0 {
		return errCapacityExceeded
	}
	return nil
}

// checkMinBorrow enforces the minimum account borrow size on the resulting
// debt: either zero or at least the configured minimum.
func checkMinBorrow(cfg *VaultConfig, debtUnderlying *big.Int) error {
	if debtUnderlying.Sign() == 0 {
		return nil
	}
	min := cfg.MinAccountBorrowSize
	if min == nil || min.Sign() == 0 {
		return nil
	}
	if debtUnderlying.Cmp(min) < 0 {
		return errBelowMinBorrow
	}
	return nil
}

// EnterVault opens or increases a leveraged position: the deposit plus newly
// borrowed cash is handed to the strategy, which mints vault shares. The
// resulting collateral ratio must satisfy the vault's solvency floor.
func (e *Engine) EnterVault(caller, account crypto.Address, vaultID string, deposit *big.Int, maturity uint64, borrowAmount *big.Int, maxBorrowRateBps uint64, strategyData []byte) (*big.Int, error) {
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
	if err := e.rejectSystemAccount(cfg, account); err != nil {
		return nil, err
	}
	deposit = bigZero(deposit)
	borrowAmount = bigZero(borrowAmount)
	if deposit.Sign() < 0 || borrowAmount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if deposit.Sign() == 0 && borrowAmount.Sign() == 0 {
		return nil, errInvalidAmount
	}
	if cfg.MinDeposit != nil && deposit.Sign() > 0 && deposit.Cmp(cfg.MinDeposit) < 0 {
		return nil, errBelowMinDeposit
	}
	if !e.validMaturity(cfg, maturity) {
		return nil, errInvalidMaturity
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
	balances := newBalanceSheet(e.state)

	// Stale matured positions settle before anything else; a position that
	// cannot settle blocks re-entry.
	settlement, err := e.settleInMemory(cfg, acct, prime, balances)
	if err != nil {
		return nil, err
	}

	if acct.Maturity != 0 && acct.Maturity != maturity {
		return nil, errMaturityMismatch
	}
	if acct.Maturity == maturity && (acct.VaultShares.Sign() > 0 || acct.AccountDebt.Sign() < 0) && !cfg.AllowReenter {
		return nil, errReenterDisabled
	}

	state, err := e.ensureVaultState(vaultID, maturity)
	if err != nil {
		return nil, err
	}
	if settlement != nil {
		if reuse := settlement.stateFor(maturity); reuse != nil {
			state = reuse
		}
	}

	// Deposit moves into the scratch balance first.
	if deposit.Sign() > 0 {
		if err := balances.debit(account, cfg.BorrowCurrency, deposit); err != nil {
			return nil, err
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, deposit)
	}

	capacityUsed, err := e.capacityUsed(vaultID, cfg.BorrowCurrency)
	if err != nil {
		return nil, err
	}
	settlement.applyCapacityRelease(capacityUsed)
	if borrowAmount.Sign() > 0 {
		if e.executor == nil {
			return nil, errNilExecutor
		}
		if maturity != PrimeMaturity {
			if err := checkCapacity(capacityUsed, borrowAmount, cfg.MaxPrimaryBorrowCapacity); err != nil {
				return nil, err
			}
			capacityUsed.Add(capacityUsed, borrowAmount)
		}
		netCash, err := e.executor.Borrow(cfg.BorrowCurrency, maturity, borrowAmount, maxBorrowRateBps)
		if err != nil {
			return nil, err
		}
		if netCash == nil || netCash.Sign() <= 0 {
			return nil, errFailedLend
		}
		acct.TempCashBalance.Add(acct.TempCashBalance, netCash)
		if maturity == PrimeMaturity {
			scaled := scaledFromUnderlying(borrowAmount, prime.Index)
			acct.AccountDebt.Sub(acct.AccountDebt, scaled)
		} else {
			acct.AccountDebt.Sub(acct.AccountDebt, borrowAmount)
		}
		state.TotalDebtUnderlying.Add(state.TotalDebtUnderlying, borrowAmount)
	}
	acct.Maturity = maturity

	if err := checkMinBorrow(cfg, debtOutstanding(acct, prime.Index)); err != nil {
		return nil, err
	}

	// The scratch balance funds the strategy deposit in full.
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
		state.TotalVaultShares.Add(state.TotalVaultShares, minted)
	}

	factors, err := e.accountHealth(cfg, state, acct, prime)
	if err != nil {
		return nil, err
	}
	if !healthy(cfg, factors) {
		return nil, errUnderCollateralized
	}

	acct.LastUpdateTime = e.now()

	// All checks passed; persist.
	if err := e.state.PutPrimeRate(prime); err != nil {
		return nil, err
	}
	if err := settlement.persist(e); err != nil {
		return nil, err
	}
	if err := e.state.PutBorrowCapacityUsed(vaultID, cfg.BorrowCurrency, capacityUsed); err != nil {
		return nil, err
	}
	if err := e.state.PutVaultState(state); err != nil {
		return nil, err
	}
	if err := e.state.PutVaultAccount(vaultID, acct); err != nil {
		return nil, err
	}
	if err := balances.commit(); err != nil {
		return nil, err
	}

	e.emit(NewEnteredEvent(vaultID, acct, deposit, borrowAmount, sharesAdded))
	observeOperation("enter")
	return sharesAdded, nil
}
