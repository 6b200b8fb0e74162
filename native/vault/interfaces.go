package vault

import (
	"errors"
	"math/big"

	"termchain/crypto"
)

// ErrRateExceeded is returned by TradeExecutor implementations when a trade
// cannot be filled within the caller's rate bound. The engine surfaces it as
// a slippage failure of the whole operation.
var ErrRateExceeded = errors.New("trade executor: rate bound exceeded")

// TradeExecutor is the fixed-rate borrow/lend execution engine. Notional
// amounts are in underlying wei, rates are annualised basis points. Borrow
// returns the net cash received for taking on the notional debt; Lend returns
// the net cash paid to extinguish it. Both must either fill the full notional
// or fail.
type TradeExecutor interface {
	Borrow(currency uint16, maturity uint64, notional *big.Int, maxRateBps uint64) (*big.Int, error)
	Lend(currency uint16, maturity uint64, notional *big.Int, minRateBps uint64) (*big.Int, error)
}

// StrategyAdapter is the untrusted external yield strategy. Any error aborts
// the enclosing operation; the adapter may re-enter the engine, which the
// per-account locks reject.
type StrategyAdapter interface {
	Enter(account crypto.Address, cashAmount *big.Int, vaultData []byte) (*big.Int, error)
	Redeem(account crypto.Address, shares *big.Int, vaultData []byte) (*big.Int, error)
	ValueOf(account crypto.Address, maturity uint64, shares *big.Int) (*big.Int, error)
}

// QuoteOracle converts between listed currencies. Rate returns the ray-scaled
// price of one unit of base in quote terms. Only consulted when secondary
// borrow currencies are in play.
type QuoteOracle interface {
	Rate(base, quote uint16) (*big.Int, error)
}

// FreeCollateralOracle reports whether an account's non-vault holdings remain
// solvent. Consulted before cash is pushed out of the system on exit.
type FreeCollateralOracle interface {
	Check(account crypto.Address) (bool, error)
}

// engineState is the persistence surface the vault engine operates against.
// Implementations must return nil (not an error) for missing vault records so
// the engine can lazily initialise them.
type engineState interface {
	GetVaultConfig(vaultID string) (*VaultConfig, error)
	PutVaultConfig(cfg *VaultConfig) error
	GetVaultState(vaultID string, maturity uint64) (*VaultState, error)
	PutVaultState(state *VaultState) error
	DeleteVaultState(vaultID string, maturity uint64) error
	GetVaultAccount(vaultID string, addr crypto.Address) (*VaultAccount, error)
	PutVaultAccount(vaultID string, account *VaultAccount) error
	GetSecondaryState(vaultID string, currency uint16, maturity uint64) (*SecondaryBorrowState, error)
	PutSecondaryState(state *SecondaryBorrowState) error
	GetSecondaryShare(vaultID string, addr crypto.Address, slot int) (*SecondaryDebtShare, error)
	PutSecondaryShare(vaultID string, share *SecondaryDebtShare) error
	GetPrimeRate(currency uint16) (*PrimeRateState, error)
	PutPrimeRate(rate *PrimeRateState) error
	GetBalance(addr crypto.Address, currency uint16) (*big.Int, error)
	PutBalance(addr crypto.Address, currency uint16, amount *big.Int) error
	GetBorrowCapacityUsed(vaultID string, currency uint16) (*big.Int, error)
	PutBorrowCapacityUsed(vaultID string, currency uint16, used *big.Int) error
}
