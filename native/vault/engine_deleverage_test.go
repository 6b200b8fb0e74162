package vault

import (
	"math/big"
	"testing"
)

// seedPosition installs a position directly, bypassing the lifecycle
// entrypoints, so liquidation scenarios can start from arbitrary health.
func seedPosition(state *mockEngineState, account *VaultAccount, totalDebt int64) {
	state.accounts[state.addrKey(testVaultID, account.Address)] = account.Clone()
	state.states[state.stateKey(testVaultID, account.Maturity)] = &VaultState{
		VaultID:             testVaultID,
		Maturity:            account.Maturity,
		TotalVaultShares:    new(big.Int).Set(account.VaultShares),
		TotalDebtUnderlying: big.NewInt(totalDebt),
		EscrowedAssetCash:   big.NewInt(0),
	}
}

func TestDeleverageTransfersDiscountedShares(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, reserve := newTestEngine(t, state)
	account := makeAddress(0x40)
	liquidator := makeAddress(0x41)
	caller := makeAddress(0x42)
	state.setBalance(liquidator, testCurrency, 5_000)

	// Value 1000 against debt 1000: ratio 10000 bps, below the 12000 floor.
	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	shares, deposit, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(400))
	if err != nil {
		t.Fatalf("deleverage: %v", err)
	}
	if deposit.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected accepted deposit: %s", deposit)
	}
	// 400 deposit at a 10500 bps bonus buys 420 of the 1000 shares.
	if shares.Cmp(big.NewInt(420)) != 0 {
		t.Fatalf("unexpected shares to liquidator: %s", shares)
	}

	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.AccountDebt.Cmp(big.NewInt(-600)) != 0 {
		t.Fatalf("unexpected remaining debt: %s", acct.AccountDebt)
	}
	if acct.VaultShares.Cmp(big.NewInt(580)) != 0 {
		t.Fatalf("unexpected remaining shares: %s", acct.VaultShares)
	}
	liqAcct := state.accounts[state.addrKey(testVaultID, liquidator)]
	if liqAcct.Maturity != testMaturity || liqAcct.VaultShares.Cmp(big.NewInt(420)) != 0 {
		t.Fatalf("liquidator position wrong: maturity=%d shares=%s", liqAcct.Maturity, liqAcct.VaultShares)
	}
	if state.balance(liquidator, testCurrency).Cmp(big.NewInt(4_600)) != 0 {
		t.Fatalf("liquidator balance wrong: %s", state.balance(liquidator, testCurrency))
	}
	if state.balance(reserve, testCurrency).Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("reserve balance wrong: %s", state.balance(reserve, testCurrency))
	}
}

func TestDeleverageRejectsHealthyAccount(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x43)
	liquidator := makeAddress(0x44)
	caller := makeAddress(0x45)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-500),
		VaultShares:     big.NewInt(1_500),
		TempCashBalance: big.NewInt(0),
	}, 500)

	_, _, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(100))
	if err != errSufficientCollateral {
		t.Fatalf("expected sufficient collateral, got %v", err)
	}
}

func TestDeleverageClampsDepositAtMaxRatio(t *testing.T) {
	state := newMockEngineState()
	engine, _, strategy, _, _ := newTestEngine(t, state)
	// Shares are worth 1.15 each: value 1150 against debt 1000 sits between
	// the 12000 floor and the 14000 ceiling.
	strategy.valueNum, strategy.valueDen = 23, 20
	account := makeAddress(0x46)
	liquidator := makeAddress(0x47)
	caller := makeAddress(0x48)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	// (14000*1000 - 1150*10000) / (14000 - 10500) = 714.
	_, deposit, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deleverage: %v", err)
	}
	if deposit.Cmp(big.NewInt(714)) != 0 {
		t.Fatalf("expected deposit clamped to 714, got %s", deposit)
	}
}

func TestDeleverageStopsAtMinBorrowSize(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	state.configs[testVaultID].MinAccountBorrowSize = big.NewInt(300)
	state.configs[testVaultID].MaxRequiredRatioBps = 0
	account := makeAddress(0x49)
	liquidator := makeAddress(0x4A)
	caller := makeAddress(0x4B)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	_, deposit, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(900))
	if err != nil {
		t.Fatalf("deleverage: %v", err)
	}
	if deposit.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected deposit capped at 700, got %s", deposit)
	}
	acct := state.accounts[state.addrKey(testVaultID, account)]
	if acct.AccountDebt.Cmp(big.NewInt(-300)) != 0 {
		t.Fatalf("debt fell below minimum borrow size: %s", acct.AccountDebt)
	}
}

func TestDeleverageRequiresDistinctParties(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x4C)
	other := makeAddress(0x4D)
	state.setBalance(account, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	if _, _, err := engine.DeleverageAccount(account, account, testVaultID, other, big.NewInt(100)); err != errSelfLiquidation {
		t.Fatalf("expected self-liquidation rejection for caller==account, got %v", err)
	}
	if _, _, err := engine.DeleverageAccount(other, account, testVaultID, account, big.NewInt(100)); err != errSelfLiquidation {
		t.Fatalf("expected self-liquidation rejection for liquidator==account, got %v", err)
	}
	if _, _, err := engine.DeleverageAccount(other, account, testVaultID, other, big.NewInt(100)); err != errSelfLiquidation {
		t.Fatalf("expected self-liquidation rejection for caller==liquidator, got %v", err)
	}
}

func TestDeleverageRejectsMaturedPosition(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x4E)
	liquidator := makeAddress(0x4F)
	caller := makeAddress(0x50)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)
	engine.SetNowFunc(func() uint64 { return testMaturity + 1 })

	if _, _, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(100)); err != errPositionMatured {
		t.Fatalf("expected matured rejection, got %v", err)
	}
}

func TestDeleveragePaysCashWhenConfigured(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	state.configs[testVaultID].DeleverageToCash = true
	account := makeAddress(0x51)
	liquidator := makeAddress(0x52)
	caller := makeAddress(0x53)
	state.setBalance(liquidator, testCurrency, 5_000)

	seedPosition(state, &VaultAccount{
		Address:         account,
		Maturity:        testMaturity,
		AccountDebt:     big.NewInt(-1_000),
		VaultShares:     big.NewInt(1_000),
		TempCashBalance: big.NewInt(0),
	}, 1_000)

	shares, _, err := engine.DeleverageAccount(caller, account, testVaultID, liquidator, big.NewInt(400))
	if err != nil {
		t.Fatalf("deleverage: %v", err)
	}
	if shares.Cmp(big.NewInt(420)) != 0 {
		t.Fatalf("unexpected shares liquidated: %s", shares)
	}
	// The 420 shares are redeemed at par and paid out in cash.
	if state.balance(liquidator, testCurrency).Cmp(big.NewInt(5_020)) != 0 {
		t.Fatalf("unexpected liquidator balance: %s", state.balance(liquidator, testCurrency))
	}
	if state.accounts[state.addrKey(testVaultID, liquidator)] != nil {
		t.Fatalf("liquidator should not receive a vault position")
	}
	vaultState := state.states[state.stateKey(testVaultID, testMaturity)]
	if vaultState.TotalVaultShares.Cmp(big.NewInt(580)) != 0 {
		t.Fatalf("redeemed shares not burned from totals: %s", vaultState.TotalVaultShares)
	}
}
