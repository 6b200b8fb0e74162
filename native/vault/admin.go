package vault

// requireAdmin validates the credential presented by a configuration call.
func (e *Engine) requireAdmin(ctx AdminContext) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.adminAddress.IsZero() || !ctx.Signer.Equal(e.adminAddress) {
		return errNotAdmin
	}
	return nil
}

// UpdateVaultConfig creates or replaces a vault's configuration. Structural
// invariants are validated up front; currencies already carrying pooled debt
// cannot be removed, so secondary currency lists may only grow.
func (e *Engine) UpdateVaultConfig(ctx AdminContext, cfg *VaultConfig) error {
	if err := e.requireAdmin(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	existing, err := e.state.GetVaultConfig(cfg.VaultID)
	if err != nil {
		return err
	}
	if existing != nil {
		if cfg.BorrowCurrency != existing.BorrowCurrency {
			return errInvalidConfig
		}
		if len(cfg.SecondaryCurrencies) < len(existing.SecondaryCurrencies) {
			return errInvalidConfig
		}
		for i, currency := range existing.SecondaryCurrencies {
			if cfg.SecondaryCurrencies[i] != currency {
				return errInvalidConfig
			}
		}
	}
	return e.state.PutVaultConfig(cfg.Clone())
}

// SetVaultPaused toggles the per-vault pause flag. Paused vaults reject every
// position operation except settlement.
func (e *Engine) SetVaultPaused(ctx AdminContext, vaultID string, paused bool) error {
	if err := e.requireAdmin(ctx); err != nil {
		return err
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return err
	}
	cfg.Paused = paused
	return e.state.PutVaultConfig(cfg)
}

// SetVaultEnabled toggles whether the vault accepts any operation at all.
func (e *Engine) SetVaultEnabled(ctx AdminContext, vaultID string, enabled bool) error {
	if err := e.requireAdmin(ctx); err != nil {
		return err
	}
	cfg, err := e.loadConfig(vaultID)
	if err != nil {
		return err
	}
	cfg.Enabled = enabled
	return e.state.PutVaultConfig(cfg)
}
