package vault

import (
	"math/big"
	"testing"
)

func TestRollMovesPositionToLaterMaturity(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x10)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}

	newMaturity := testMaturity + testTerm
	shares, err := engine.RollVaultPosition(account, account, testVaultID, newMaturity, big.NewInt(600), big.NewInt(0), 0, 0, nil)
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	// 1500 shares redeem to 1500, lending 500 costs 500 at face, the new
	// borrow adds 600.
	if shares.Cmp(big.NewInt(1_600)) != 0 {
		t.Fatalf("unexpected shares after roll: %s", shares)
	}

	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.Maturity != newMaturity {
		t.Fatalf("unexpected maturity: %d", acct.Maturity)
	}
	if acct.AccountDebt.Cmp(big.NewInt(-600)) != 0 {
		t.Fatalf("unexpected debt: %s", acct.AccountDebt)
	}

	oldState := state.states[state.stateKey(testVaultID, testMaturity)]
	if oldState.TotalVaultShares.Sign() != 0 || oldState.TotalDebtUnderlying.Sign() != 0 {
		t.Fatalf("old maturity not drained: shares=%s debt=%s", oldState.TotalVaultShares, oldState.TotalDebtUnderlying)
	}
	newState := state.states[state.stateKey(testVaultID, newMaturity)]
	if newState.TotalVaultShares.Cmp(big.NewInt(1_600)) != 0 {
		t.Fatalf("unexpected new total shares: %s", newState.TotalVaultShares)
	}
	if newState.TotalDebtUnderlying.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected new total debt: %s", newState.TotalDebtUnderlying)
	}
	used, _ := state.GetBorrowCapacityUsed(testVaultID, testCurrency)
	if used.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected capacity used: %s", used)
	}
}

func TestRollRejectsStaleMaturity(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x11)
	state.setBalance(account, testCurrency, 5_000)

	// A position pinned to a maturity that is no longer the active term
	// cannot roll; it settles or re-enters instead.
	state.accounts[state.addrKey(testVaultID, account)] = &VaultAccount{
		Address:         account,
		Maturity:        testMaturity + testTerm,
		AccountDebt:     big.NewInt(-500),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}

	_, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity+2*testTerm, big.NewInt(500), big.NewInt(0), 0, 0, nil)
	if err != errMaturityMismatch {
		t.Fatalf("expected maturity mismatch, got %v", err)
	}
}

func TestRollRejectsMaturedPosition(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x12)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	engine.SetNowFunc(func() uint64 { return testMaturity + 1 })

	_, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity+testTerm, big.NewInt(500), big.NewInt(0), 0, 0, nil)
	if err != errPositionMatured {
		t.Fatalf("expected matured position error, got %v", err)
	}
}

func TestRollRequiresLaterAlignedMaturity(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x13)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}

	if _, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity, big.NewInt(500), big.NewInt(0), 0, 0, nil); err != errRollNotLater {
		t.Fatalf("expected roll-not-later, got %v", err)
	}
	if _, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity+testTerm/2, big.NewInt(500), big.NewInt(0), 0, 0, nil); err != errRollNotLater {
		t.Fatalf("expected roll-not-later for unaligned target, got %v", err)
	}
}

func TestRollDisabledByConfig(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	state.configs[testVaultID].AllowRoll = false
	account := makeAddress(0x14)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity+testTerm, big.NewInt(500), big.NewInt(0), 0, 0, nil); err != errRollDisabled {
		t.Fatalf("expected roll disabled, got %v", err)
	}
}

func TestRollFailedLendAborts(t *testing.T) {
	state := newMockEngineState()
	engine, executor, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x15)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	executor.lendErr = ErrRateExceeded

	_, err := engine.RollVaultPosition(account, account, testVaultID, testMaturity+testTerm, big.NewInt(500), big.NewInt(0), 0, 0, nil)
	if err != ErrRateExceeded {
		t.Fatalf("expected rate bound failure, got %v", err)
	}

	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.Maturity != testMaturity {
		t.Fatalf("maturity changed on failed roll: %d", acct.Maturity)
	}
	if acct.AccountDebt.Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("debt changed on failed roll: %s", acct.AccountDebt)
	}
	if acct.VaultShares.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("shares changed on failed roll: %s", acct.VaultShares)
	}
}
