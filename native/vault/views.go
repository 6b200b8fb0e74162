package vault

import (
	"math/big"

	"termchain/crypto"
)

// VaultConfigOf returns a copy of the vault's configuration.
func (e *Engine) VaultConfigOf(vaultID string) (*VaultConfig, error) {
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// VaultStateOf returns a copy of one maturity bucket's aggregate state. A
// bucket that was never touched reports zeroed totals.
func (e *Engine) VaultStateOf(vaultID string, maturity uint64) (*VaultState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadConfig(vaultID); err != nil {
		return nil, err
	}
	state, err := e.ensureVaultState(vaultID, maturity)
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// VaultAccountOf returns a copy of the account's position record.
func (e *Engine) VaultAccountOf(vaultID string, addr crypto.Address) (*VaultAccount, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadConfig(vaultID); err != nil {
		return nil, err
	}
	acct, err := e.ensureVaultAccount(vaultID, addr)
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// AccountHealth recomputes an account's health factors against live strategy
// and oracle values. Read-only; the freshly accrued prime index is not
// persisted.
func (e *Engine) AccountHealth(vaultID string, addr crypto.Address) (HealthFactors, error) {
	var factors HealthFactors
	if e == nil || e.state == nil {
		return factors, errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return factors, err
	}
	acct, err := e.ensureVaultAccount(vaultID, addr)
	if err != nil {
		return factors, err
	}
	prime, err := e.accruePrime(cfg.BorrowCurrency)
	if err != nil {
		return factors, err
	}
	state, err := e.ensureVaultState(vaultID, acct.Maturity)
	if err != nil {
		return factors, err
	}
	return e.accountHealth(cfg, state, acct, prime)
}

// SecondaryShareOf returns a copy of the account's debt share record for a
// configured secondary currency.
func (e *Engine) SecondaryShareOf(vaultID string, addr crypto.Address, currency uint16) (*SecondaryDebtShare, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return nil, err
	}
	slot := cfg.SecondarySlot(currency)
	if slot < 0 {
		return nil, errSecondaryNotEnabled
	}
	share, err := e.ensureSecondaryShare(vaultID, addr, slot)
	if err != nil {
		return nil, err
	}
	clone := &SecondaryDebtShare{
		Address:     share.Address.Clone(),
		Slot:        share.Slot,
		DebtShares:  new(big.Int).Set(share.DebtShares),
		CashBalance: new(big.Int).Set(share.CashBalance),
	}
	return clone, nil
}
