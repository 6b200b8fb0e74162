package config

import (
	"fmt"
	"strings"

	"termchain/crypto"
)

const maxFeeBps = 10_000

// Validate checks the loaded configuration for values the node cannot start
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if c.Vault.SettlementFeeBps > maxFeeBps {
		return fmt.Errorf("config: vault.SettlementFeeBps %d exceeds %d", c.Vault.SettlementFeeBps, maxFeeBps)
	}
	for name, addr := range map[string]string{
		"vault.ReserveAddress": c.Vault.ReserveAddress,
		"vault.AdminAddress":   c.Vault.AdminAddress,
	} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	return nil
}

// DecodedReserveAddress decodes the configured reserve address, zero when
// unset.
func (v Vault) DecodedReserveAddress() (crypto.Address, error) {
	return decodeOptional(v.ReserveAddress)
}

// DecodedAdminAddress decodes the configured admin address, zero when unset.
func (v Vault) DecodedAdminAddress() (crypto.Address, error) {
	return decodeOptional(v.AdminAddress)
}

func decodeOptional(addr string) (crypto.Address, error) {
	if strings.TrimSpace(addr) == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(addr)
}
