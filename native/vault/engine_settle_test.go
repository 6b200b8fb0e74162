package vault

import (
	"math/big"
	"testing"
)

func TestSettleConvertsMaturedDebtToPrime(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x20)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity + 10 })

	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.Maturity != PrimeMaturity {
		t.Fatalf("expected prime maturity, got %d", acct.Maturity)
	}
	// The prime index is still at one ray, so the scaled debt equals the
	// fCash notional.
	if acct.AccountDebt.Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("unexpected prime debt: %s", acct.AccountDebt)
	}
	if acct.VaultShares.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("shares changed during settlement: %s", acct.VaultShares)
	}

	primeState := state.states[state.stateKey(testVaultID, PrimeMaturity)]
	if primeState.TotalVaultShares.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("shares not migrated to prime bucket: %s", primeState.TotalVaultShares)
	}
	if primeState.TotalDebtUnderlying.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("debt not migrated to prime bucket: %s", primeState.TotalDebtUnderlying)
	}
	// The drained fixed bucket is destroyed.
	if state.states[state.stateKey(testVaultID, testMaturity)] != nil {
		t.Fatalf("settled maturity bucket not removed")
	}
	used, _ := state.GetBorrowCapacityUsed(testVaultID, testCurrency)
	if used.Sign() != 0 {
		t.Fatalf("fixed capacity not released on settlement: %s", used)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x21)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity + 10 })

	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	before := state.accounts[state.addrKey(testVaultID, account)].Clone()

	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	after := state.accounts[state.addrKey(testVaultID, account)]
	if after.Maturity != before.Maturity || after.AccountDebt.Cmp(before.AccountDebt) != 0 || after.VaultShares.Cmp(before.VaultShares) != 0 {
		t.Fatalf("second settle mutated the account: %+v vs %+v", after, before)
	}
}

func TestSettleRejectsUnmaturedPosition(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x22)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := engine.SettleVaultAccount(account, testVaultID); err != errNotMatured {
		t.Fatalf("expected not matured, got %v", err)
	}
}

func TestSettleNoPositionIsNoop(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x23)

	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle without position: %v", err)
	}
}

func TestSettleEscrowsFeeAndReleasesToReserve(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, reserve := newTestEngine(t, state)
	engine.SetSettlementFee(100)
	account := makeAddress(0x24)
	state.setBalance(account, testCurrency, 5_000)
	state.setBalance(vaultAddr, testCurrency, 1_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity + 10 })

	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 100 bps of the 500 debt is escrowed and, with every account settled,
	// released to the reserve in the same pass.
	if state.balance(vaultAddr, testCurrency).Cmp(big.NewInt(995)) != 0 {
		t.Fatalf("unexpected vault balance: %s", state.balance(vaultAddr, testCurrency))
	}
	if state.balance(reserve, testCurrency).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected reserve balance: %s", state.balance(reserve, testCurrency))
	}
}

func TestExitTriggeredSettlementReleasesCapacity(t *testing.T) {
	// The same matured position settled through SettleVaultAccount and
	// through the lazy settlement inside ExitVault must leave identical
	// borrow capacity.
	viaSettle := newMockEngineState()
	engineA, _, _, _, _ := newTestEngine(t, viaSettle)
	account := makeAddress(0x26)
	viaSettle.setBalance(account, testCurrency, 5_000)

	if _, err := engineA.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engineA.SetNowFunc(func() uint64 { return testMaturity + 10 })
	if err := engineA.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	viaExit := newMockEngineState()
	engineB, _, _, _, _ := newTestEngine(t, viaExit)
	viaExit.setBalance(account, testCurrency, 5_000)

	if _, err := engineB.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engineB.SetNowFunc(func() uint64 { return testMaturity + 10 })
	if _, err := engineB.ExitVault(account, account, testVaultID, account, big.NewInt(0), big.NewInt(0), 0, nil); err != nil {
		t.Fatalf("exit: %v", err)
	}

	usedA, _ := viaSettle.GetBorrowCapacityUsed(testVaultID, testCurrency)
	usedB, _ := viaExit.GetBorrowCapacityUsed(testVaultID, testCurrency)
	if usedB.Sign() != 0 {
		t.Fatalf("exit-triggered settlement kept capacity in use: %s", usedB)
	}
	if usedA.Cmp(usedB) != 0 {
		t.Fatalf("capacity diverged: settle=%s exit=%s", usedA, usedB)
	}
}

func TestEnterTriggeredSettlementReleasesCapacity(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x27)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity + 10 })

	// Re-entering at the prime maturity settles the matured position first.
	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(100), PrimeMaturity, big.NewInt(0), 0, nil); err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	used, _ := state.GetBorrowCapacityUsed(testVaultID, testCurrency)
	if used.Sign() != 0 {
		t.Fatalf("enter-triggered settlement kept capacity in use: %s", used)
	}
}

func TestSettledPrimeDebtAccrues(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x25)
	state.setBalance(account, testCurrency, 5_000)
	state.primes[testCurrency] = &PrimeRateState{
		Currency:      testCurrency,
		Index:         new(big.Int).Set(ray),
		AnnualRateBps: 1_000,
		LastAccrual:   testNow,
	}

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity })
	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// A year after settlement the 10% annual prime rate has grown the
	// outstanding debt.
	engine.SetNowFunc(func() uint64 { return testMaturity + secondsPerYear })
	factors, err := engine.AccountHealth(testVaultID, account)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if factors.DebtOutstanding.Cmp(big.NewInt(500)) <= 0 {
		t.Fatalf("prime debt did not accrue: %s", factors.DebtOutstanding)
	}
	if factors.DebtOutstanding.Cmp(big.NewInt(560)) > 0 {
		t.Fatalf("prime debt accrued beyond the configured rate: %s", factors.DebtOutstanding)
	}
}
