package vault

import (
	"fmt"
	"math/big"
	"testing"
)

const testSecondary = uint16(2)

func enableSecondary(state *mockEngineState, cap int64) {
	cfg := state.configs[testVaultID]
	cfg.SecondaryCurrencies = []uint16{testSecondary}
	cfg.SecondaryBorrowCaps = []*big.Int{big.NewInt(cap)}
}

func TestBorrowSecondaryIsVaultOnly(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x60)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}

	_, err := engine.BorrowSecondary(account, account, testVaultID, testSecondary, testMaturity, big.NewInt(200), 0)
	if err != errUnauthorized {
		t.Fatalf("expected unauthorized for non-vault caller, got %v", err)
	}
}

func TestBorrowAndRepaySecondary(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x61)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}

	net, err := engine.BorrowSecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(200), 0)
	if err != nil {
		t.Fatalf("borrow secondary: %v", err)
	}
	if net.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected net cash: %s", net)
	}
	if state.balance(vaultAddr, testSecondary).Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("vault not credited: %s", state.balance(vaultAddr, testSecondary))
	}
	share, _ := state.GetSecondaryShare(testVaultID, account, 0)
	if share.DebtShares.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected debt shares: %s", share.DebtShares)
	}

	// Repaying 250 clears the 200 owed and holds the 50 overshoot as
	// surplus cash on the share record.
	repaid, err := engine.RepaySecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(250), 0)
	if err != nil {
		t.Fatalf("repay secondary: %v", err)
	}
	if repaid.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected repaid amount: %s", repaid)
	}
	share, _ = state.GetSecondaryShare(testVaultID, account, 0)
	if share.DebtShares.Sign() != 0 {
		t.Fatalf("debt shares not cleared: %s", share.DebtShares)
	}
	if share.CashBalance.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("overshoot not held as surplus: %s", share.CashBalance)
	}
	if state.balance(vaultAddr, testSecondary).Sign() != 0 {
		t.Fatalf("vault balance wrong after repay: %s", state.balance(vaultAddr, testSecondary))
	}
	pool, _ := state.GetSecondaryState(testVaultID, testSecondary, testMaturity)
	if pool.TotalDebtShares.Sign() != 0 || pool.TotalDebtUnderlying.Sign() != 0 {
		t.Fatalf("pool not drained: shares=%s underlying=%s", pool.TotalDebtShares, pool.TotalDebtUnderlying)
	}
}

func TestBorrowSecondaryEnforcesCap(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 100)
	account := makeAddress(0x62)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := engine.BorrowSecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(200), 0); err != errCapacityExceeded {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestBorrowSecondaryCountsTowardHealth(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x63)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	// Value 1500 against combined debt 500 + 800 = 1300 would leave the
	// ratio at 11538 bps, under the 12000 floor.
	if _, err := engine.BorrowSecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(800), 0); err != errUnderCollateralized {
		t.Fatalf("expected under-collateralized, got %v", err)
	}
	share, _ := state.GetSecondaryShare(testVaultID, account, 0)
	if share != nil && share.DebtShares.Sign() != 0 {
		t.Fatalf("debt shares persisted on failed borrow: %s", share.DebtShares)
	}
}

func TestRollCarriesSecondaryDebt(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x64)
	state.setBalance(account, testCurrency, 5_000)
	state.setBalance(vaultAddr, testSecondary, 1_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := engine.BorrowSecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(200), 0); err != nil {
		t.Fatalf("borrow secondary: %v", err)
	}

	newMaturity := testMaturity + testTerm
	if _, err := engine.RollVaultPosition(account, account, testVaultID, newMaturity, big.NewInt(600), big.NewInt(0), 0, 0, nil); err != nil {
		t.Fatalf("roll: %v", err)
	}

	oldPool, _ := state.GetSecondaryState(testVaultID, testSecondary, testMaturity)
	if oldPool.TotalDebtShares.Sign() != 0 {
		t.Fatalf("old pool not drained: %s", oldPool.TotalDebtShares)
	}
	newPool, _ := state.GetSecondaryState(testVaultID, testSecondary, newMaturity)
	if newPool.TotalDebtUnderlying.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("secondary debt not rolled: %s", newPool.TotalDebtUnderlying)
	}
	share, _ := state.GetSecondaryShare(testVaultID, account, 0)
	if share.DebtShares.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected rolled debt shares: %s", share.DebtShares)
	}
}

func TestRollRejectsSecondaryOverPoolCap(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 300)
	account := makeAddress(0x66)
	state.setBalance(account, testCurrency, 5_000)
	state.setBalance(vaultAddr, testSecondary, 1_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := engine.BorrowSecondary(vaultAddr, account, testVaultID, testSecondary, testMaturity, big.NewInt(200), 0); err != nil {
		t.Fatalf("borrow secondary: %v", err)
	}

	// Another 200 of secondary debt already sits in the destination pool, so
	// rolling this account's 200 would overshoot the 300 cap.
	newMaturity := testMaturity + testTerm
	state.pools[fmt.Sprintf("%s/%d/%d", testVaultID, testSecondary, newMaturity)] = &SecondaryBorrowState{
		VaultID:             testVaultID,
		Currency:            testSecondary,
		Maturity:            newMaturity,
		TotalDebtShares:     big.NewInt(200),
		TotalDebtUnderlying: big.NewInt(200),
		Index:               new(big.Int).Set(ray),
	}

	if _, err := engine.RollVaultPosition(account, account, testVaultID, newMaturity, big.NewInt(600), big.NewInt(0), 0, 0, nil); err != errCapacityExceeded {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
}

func TestLiquidateExcessCash(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, reserve := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x65)
	liquidator := makeAddress(0x66)
	caller := makeAddress(0x67)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)
	state.shares["vault-1/"+addrHex(account)+"/0"] = &SecondaryDebtShare{
		Address:     account,
		Slot:        0,
		DebtShares:  big.NewInt(0),
		CashBalance: big.NewInt(50),
	}

	sold, payment, err := engine.LiquidateExcessCash(caller, account, testVaultID, liquidator, testSecondary, big.NewInt(50))
	if err != nil {
		t.Fatalf("liquidate excess cash: %v", err)
	}
	if sold.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected cash sold: %s", sold)
	}
	// At a 1:1 oracle rate the 50 units cost 50*10000/10500 = 47.
	if payment.Cmp(big.NewInt(47)) != 0 {
		t.Fatalf("unexpected payment: %s", payment)
	}
	if state.balance(liquidator, testSecondary).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("liquidator did not receive cash: %s", state.balance(liquidator, testSecondary))
	}
	if state.balance(reserve, testCurrency).Cmp(big.NewInt(47)) != 0 {
		t.Fatalf("reserve not credited: %s", state.balance(reserve, testCurrency))
	}
	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.AccountDebt.Cmp(big.NewInt(-953)) != 0 {
		t.Fatalf("primary debt not reduced: %s", acct.AccountDebt)
	}
	share, _ := state.GetSecondaryShare(testVaultID, account, 0)
	if share.CashBalance.Sign() != 0 {
		t.Fatalf("surplus cash not drained: %s", share.CashBalance)
	}
}

func TestLiquidateExcessCashRequiresSurplus(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x68)
	liquidator := makeAddress(0x69)
	caller := makeAddress(0x6A)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	if _, _, err := engine.LiquidateExcessCash(caller, account, testVaultID, liquidator, testSecondary, big.NewInt(50)); err != errNoSurplusCash {
		t.Fatalf("expected no-surplus rejection, got %v", err)
	}
}

func TestLiquidateSecondaryDebtTakesShares(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, reserve := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	account := makeAddress(0x6B)
	liquidator := makeAddress(0x6C)
	caller := makeAddress(0x6D)
	state.setBalance(liquidator, testSecondary, 5_000)

	// Primary debt 800 plus secondary debt 200 against value 1000: ratio
	// 10000 bps, under the floor.
	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-800),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 800)
	state.shares["vault-1/"+addrHex(account)+"/0"] = &SecondaryDebtShare{
		Address:     account,
		Slot:        0,
		DebtShares:  big.NewInt(200),
		CashBalance: big.NewInt(0),
	}
	state.pools["vault-1/2/1100000"] = &SecondaryBorrowState{
		VaultID:             testVaultID,
		Currency:            testSecondary,
		Maturity:            testMaturity,
		TotalDebtShares:     big.NewInt(200),
		TotalDebtUnderlying: big.NewInt(200),
		Index:               new(big.Int).Set(ray),
	}

	shares, deposit, err := engine.LiquidateSecondaryDebt(caller, account, testVaultID, liquidator, testSecondary, big.NewInt(100))
	if err != nil {
		t.Fatalf("liquidate secondary: %v", err)
	}
	if deposit.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected deposit: %s", deposit)
	}
	// 100 at the 1:1 oracle rate and 10500 bps bonus buys 105 shares.
	if shares.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("unexpected shares: %s", shares)
	}
	if state.balance(reserve, testSecondary).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("reserve not credited: %s", state.balance(reserve, testSecondary))
	}
	share, _ := state.GetSecondaryShare(testVaultID, account, 0)
	if share.DebtShares.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("secondary debt not reduced: %s", share.DebtShares)
	}
}
