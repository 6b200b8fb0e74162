package vault

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "termchain/native/common"
)

type stubPauses struct {
	paused map[string]bool
}

func (s stubPauses) IsPaused(module string) bool { return s.paused[module] }

func TestModulePauseBlocksLifecycle(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	engine.SetPauses(stubPauses{paused: map[string]bool{moduleName: true}})
	account := makeAddress(0x70)
	state.setBalance(account, testCurrency, 5_000)

	_, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil)
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected module paused, got %v", err)
	}
	if err := engine.SettleVaultAccount(account, testVaultID); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected module pause to halt settlement, got %v", err)
	}
}

func TestVaultPauseStillAllowsSettlement(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	account := makeAddress(0x71)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("enter: %v", err)
	}
	state.configs[testVaultID].Paused = true
	engine.SetNowFunc(func() uint64 { return testMaturity + 1 })

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(100), testMaturity+testTerm, big.NewInt(0), 0, nil); err != errVaultPaused {
		t.Fatalf("expected vault paused, got %v", err)
	}
	if err := engine.SettleVaultAccount(account, testVaultID); err != nil {
		t.Fatalf("settlement should survive a vault pause: %v", err)
	}
}

func TestDisabledVaultRejectsOperations(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	state.configs[testVaultID].Enabled = false
	account := makeAddress(0x72)
	state.setBalance(account, testCurrency, 5_000)

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != errVaultDisabled {
		t.Fatalf("expected vault disabled, got %v", err)
	}
}

func TestStrategyReentryRejected(t *testing.T) {
	state := newMockEngineState()
	engine, _, strategy, _, _ := newTestEngine(t, state)
	account := makeAddress(0x73)
	state.setBalance(account, testCurrency, 5_000)

	// A strategy adapter that re-enters the engine for the same account
	// must be stopped by the per-account lock.
	strategy.onEnter = func() error {
		_, err := engine.EnterVault(account, account, testVaultID, big.NewInt(100), testMaturity, big.NewInt(0), 0, nil)
		return err
	}

	_, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil)
	if !errors.Is(err, nativecommon.ErrReentrancy) {
		t.Fatalf("expected reentrancy rejection, got %v", err)
	}
	if state.accounts[state.addrKey(testVaultID, account)] != nil {
		t.Fatalf("account persisted despite aborted reentrant call")
	}
	if state.balance(account, testCurrency).Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("balance mutated despite aborted reentrant call: %s", state.balance(account, testCurrency))
	}
}

func TestReentrancyExemptionAllowsNestedCall(t *testing.T) {
	state := newMockEngineState()
	engine, _, strategy, _, _ := newTestEngine(t, state)
	account := makeAddress(0x74)
	state.setBalance(account, testCurrency, 5_000)
	engine.ExemptFromReentrancyGuard(testVaultID, account)

	nested := false
	strategy.onEnter = func() error {
		if nested {
			return nil
		}
		nested = true
		_, err := engine.EnterVault(account, account, testVaultID, big.NewInt(100), testMaturity, big.NewInt(0), 0, nil)
		return err
	}

	if _, err := engine.EnterVault(account, account, testVaultID, big.NewInt(1_000), testMaturity, big.NewInt(500), 0, nil); err != nil {
		t.Fatalf("exempted nested enter: %v", err)
	}
}

func TestUpdateVaultConfigRequiresAdmin(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	admin := makeAddress(0xF1)
	stranger := makeAddress(0x75)

	cfg := testConfig(vaultAddr)
	cfg.VaultID = "vault-2"
	if err := engine.UpdateVaultConfig(AdminContext{Signer: stranger}, cfg); err != errNotAdmin {
		t.Fatalf("expected admin rejection, got %v", err)
	}
	if err := engine.UpdateVaultConfig(AdminContext{Signer: admin}, cfg); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	stored, _ := state.GetVaultConfig("vault-2")
	if stored == nil || !stored.Enabled {
		t.Fatalf("config not persisted")
	}
}

func TestUpdateVaultConfigCannotShrinkSecondaries(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, vaultAddr, _ := newTestEngine(t, state)
	enableSecondary(state, 10_000)
	admin := makeAddress(0xF1)

	next := testConfig(vaultAddr)
	if err := engine.UpdateVaultConfig(AdminContext{Signer: admin}, next); err != errInvalidConfig {
		t.Fatalf("expected rejection when dropping a secondary currency, got %v", err)
	}
}

func TestSetVaultPaused(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	admin := makeAddress(0xF1)

	if err := engine.SetVaultPaused(AdminContext{Signer: admin}, testVaultID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !state.configs[testVaultID].Paused {
		t.Fatalf("pause flag not persisted")
	}
}

func TestSetVaultEnabled(t *testing.T) {
	state := newMockEngineState()
	engine, _, _, _, _ := newTestEngine(t, state)
	admin := makeAddress(0xF1)
	stranger := makeAddress(0x76)

	if err := engine.SetVaultEnabled(AdminContext{Signer: stranger}, testVaultID, false); err != errNotAdmin {
		t.Fatalf("expected admin rejection, got %v", err)
	}
	if err := engine.SetVaultEnabled(AdminContext{Signer: admin}, testVaultID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if state.configs[testVaultID].Enabled {
		t.Fatalf("enabled flag not persisted")
	}
}
