package vault

import (
	"math"
	"math/big"

	"termchain/crypto"
)

// PrimeMaturity is the sentinel maturity marking a position whose debt has
// been converted to the variable prime representation. Prime positions never
// mature again and settle continuously through the prime borrow index.
const PrimeMaturity uint64 = math.MaxUint64

// MaxSecondaryCurrencies bounds the number of secondary borrow currencies a
// vault may configure.
const MaxSecondaryCurrencies = 2

// VaultAccount is the per-account position inside one vault. AccountDebt is
// signed with negative meaning the account owes: for a fixed-term maturity it
// is the fCash notional repayable at maturity, for the prime maturity it is
// the ray-scaled prime debt share balance.
type VaultAccount struct {
	Address crypto.Address
	// Maturity is zero when the account holds no position and PrimeMaturity
	// once matured fixed-term debt has been converted to prime debt.
	Maturity uint64
	// AccountDebt is negative while debt is outstanding.
	AccountDebt *big.Int
	// VaultShares is the claim on the external strategy pool, never negative.
	VaultShares *big.Int
	// TempCashBalance accumulates scratch cash during a single operation and
	// is net-settled before the operation commits.
	TempCashBalance *big.Int
	// LastUpdateTime records the block time of the last voluntary position
	// change for minimum-holding-period enforcement.
	LastUpdateTime uint64
}

// VaultState aggregates one maturity bucket of one vault.
type VaultState struct {
	VaultID  string
	Maturity uint64
	// TotalVaultShares equals the sum of VaultShares over all accounts
	// referencing this maturity.
	TotalVaultShares *big.Int
	// TotalDebtUnderlying is the aggregate outstanding debt in underlying
	// terms, informational for capacity accounting and settlement progress.
	TotalDebtUnderlying *big.Int
	// EscrowedAssetCash is cash withheld at pool settlement until every
	// account in the maturity has settled.
	EscrowedAssetCash *big.Int
	// SettlementIndex snapshots the prime borrow index at pool settlement so
	// all accounts in the maturity convert at the same rate.
	SettlementIndex *big.Int
	IsSettled       bool
	IsFullySettled  bool
}

// SecondaryDebtShare tracks one account's debt shares against a pooled
// secondary-currency borrow state, plus any surplus cash the vault has routed
// to the account in that currency.
type SecondaryDebtShare struct {
	Address crypto.Address
	Slot    int
	// DebtShares is non-negative; underlying owed is derived through the
	// secondary borrow state's accrual index.
	DebtShares *big.Int
	// CashBalance is surplus cash held on the account's behalf in the slot
	// currency, eligible for excess-cash liquidation.
	CashBalance *big.Int
}

// SecondaryBorrowState pools the secondary-currency debt of one vault at one
// maturity. The index stays at one ray while the maturity is fixed and starts
// accruing at the prime rate once the maturity settles.
type SecondaryBorrowState struct {
	VaultID             string
	Currency            uint16
	Maturity            uint64
	TotalDebtShares     *big.Int
	TotalDebtUnderlying *big.Int
	Index               *big.Int
	LastAccrual         uint64
}

// PrimeRateState carries the continuously accruing borrow index for one
// currency's prime (variable) debt.
type PrimeRateState struct {
	Currency      uint16
	Index         *big.Int
	AnnualRateBps uint64
	LastAccrual   uint64
}

// HealthFactors is the result of the collateral health calculation. Ratios
// are expressed in basis points as big integers since a nearly debt-free
// account can report ratios beyond any fixed-width range.
type HealthFactors struct {
	CollateralRatioBps *big.Int
	LeverageRatioBps   *big.Int
	VaultShareValue    *big.Int
	DebtOutstanding    *big.Int
}

// Clone returns a deep copy of the vault account.
func (a *VaultAccount) Clone() *VaultAccount {
	if a == nil {
		return nil
	}
	clone := &VaultAccount{
		Address:        a.Address.Clone(),
		Maturity:       a.Maturity,
		LastUpdateTime: a.LastUpdateTime,
	}
	if a.AccountDebt != nil {
		clone.AccountDebt = new(big.Int).Set(a.AccountDebt)
	}
	if a.VaultShares != nil {
		clone.VaultShares = new(big.Int).Set(a.VaultShares)
	}
	if a.TempCashBalance != nil {
		clone.TempCashBalance = new(big.Int).Set(a.TempCashBalance)
	}
	return clone
}

// Clone returns a deep copy of the vault state.
func (s *VaultState) Clone() *VaultState {
	if s == nil {
		return nil
	}
	clone := &VaultState{
		VaultID:        s.VaultID,
		Maturity:       s.Maturity,
		IsSettled:      s.IsSettled,
		IsFullySettled: s.IsFullySettled,
	}
	if s.TotalVaultShares != nil {
		clone.TotalVaultShares = new(big.Int).Set(s.TotalVaultShares)
	}
	if s.TotalDebtUnderlying != nil {
		clone.TotalDebtUnderlying = new(big.Int).Set(s.TotalDebtUnderlying)
	}
	if s.EscrowedAssetCash != nil {
		clone.EscrowedAssetCash = new(big.Int).Set(s.EscrowedAssetCash)
	}
	if s.SettlementIndex != nil {
		clone.SettlementIndex = new(big.Int).Set(s.SettlementIndex)
	}
	return clone
}
