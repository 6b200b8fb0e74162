package vaultstore

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"termchain/crypto"
	"termchain/native/vault"
	"termchain/storage"
)

var (
	configPrefix    = []byte("vault/config:")
	statePrefix     = []byte("vault/state:")
	accountPrefix   = []byte("vault/account:")
	poolPrefix      = []byte("vault/secondary/pool:")
	sharePrefix     = []byte("vault/secondary/share:")
	primePrefix     = []byte("vault/prime:")
	balancePrefix   = []byte("vault/balance:")
	capacityPrefix  = []byte("vault/capacity:")
	errNilDatabase  = errors.New("vaultstore: database not configured")
	errCorruptValue = errors.New("vaultstore: corrupt stored value")
)

// Store persists vault engine records in a key-value database. Keys are
// keccak-hashed, namespaced byte strings; values are RLP. It implements the
// engine's persistence surface: missing records decode to nil so the engine
// can lazily initialise them.
type Store struct {
	db storage.Database
}

// New creates a store backed by db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func hashKey(prefix []byte, parts ...string) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
		buf = append(buf, ':')
	}
	return ethcrypto.Keccak256(buf)
}

func (s *Store) get(key []byte) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errNilDatabase
	}
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) put(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	data, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, data)
}

// signedInt carries a big integer with an explicit sign flag because RLP only
// encodes non-negative integers.
type signedInt struct {
	Neg bool
	Abs *big.Int
}

func toSigned(v *big.Int) signedInt {
	if v == nil {
		return signedInt{Abs: big.NewInt(0)}
	}
	return signedInt{Neg: v.Sign() < 0, Abs: new(big.Int).Abs(v)}
}

func fromSigned(v signedInt) *big.Int {
	if v.Abs == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(v.Abs)
	if v.Neg {
		out.Neg(out)
	}
	return out
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

type storedConfig struct {
	VaultID               string
	VaultAddress          []byte
	Enabled               bool
	Paused                bool
	AllowRoll             bool
	AllowReenter          bool
	DeleverageDisabled    bool
	VaultOnlyDeleverage   bool
	DeleverageToCash      bool
	MinCollateralRatioBps uint64
	MaxRequiredRatioBps   uint64
	LiquidationBonusBps   uint64
	BorrowCurrency        uint16
	SecondaryCurrencies   []uint16
	TermLengthSeconds     uint64
	MinHoldSeconds        uint64
	MaxPrimaryBorrow      *big.Int
	SecondaryBorrowCaps   []*big.Int
	MinAccountBorrowSize  *big.Int
	MinDeposit            *big.Int
	AuthorizedRouters     [][]byte
}

// GetVaultConfig loads a vault configuration, nil when absent.
func (s *Store) GetVaultConfig(vaultID string) (*vault.VaultConfig, error) {
	data, err := s.get(hashKey(configPrefix, vaultID))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedConfig
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	cfg := &vault.VaultConfig{
		VaultID:                  stored.VaultID,
		VaultAddress:             crypto.NewAddress(crypto.TermPrefix, stored.VaultAddress),
		Enabled:                  stored.Enabled,
		Paused:                   stored.Paused,
		AllowRoll:                stored.AllowRoll,
		AllowReenter:             stored.AllowReenter,
		DeleverageDisabled:       stored.DeleverageDisabled,
		VaultOnlyDeleverage:      stored.VaultOnlyDeleverage,
		DeleverageToCash:         stored.DeleverageToCash,
		MinCollateralRatioBps:    stored.MinCollateralRatioBps,
		MaxRequiredRatioBps:      stored.MaxRequiredRatioBps,
		LiquidationBonusBps:      stored.LiquidationBonusBps,
		BorrowCurrency:           stored.BorrowCurrency,
		SecondaryCurrencies:      stored.SecondaryCurrencies,
		TermLengthSeconds:        stored.TermLengthSeconds,
		MinHoldSeconds:           stored.MinHoldSeconds,
		MaxPrimaryBorrowCapacity: stored.MaxPrimaryBorrow,
		SecondaryBorrowCaps:      stored.SecondaryBorrowCaps,
		MinAccountBorrowSize:     stored.MinAccountBorrowSize,
		MinDeposit:               stored.MinDeposit,
	}
	for _, raw := range stored.AuthorizedRouters {
		cfg.AuthorizedRouters = append(cfg.AuthorizedRouters, crypto.NewAddress(crypto.TermPrefix, raw))
	}
	return cfg, nil
}

// PutVaultConfig persists a vault configuration.
func (s *Store) PutVaultConfig(cfg *vault.VaultConfig) error {
	if cfg == nil {
		return errCorruptValue
	}
	stored := storedConfig{
		VaultID:               cfg.VaultID,
		VaultAddress:          cfg.VaultAddress.Bytes(),
		Enabled:               cfg.Enabled,
		Paused:                cfg.Paused,
		AllowRoll:             cfg.AllowRoll,
		AllowReenter:          cfg.AllowReenter,
		DeleverageDisabled:    cfg.DeleverageDisabled,
		VaultOnlyDeleverage:   cfg.VaultOnlyDeleverage,
		DeleverageToCash:      cfg.DeleverageToCash,
		MinCollateralRatioBps: cfg.MinCollateralRatioBps,
		MaxRequiredRatioBps:   cfg.MaxRequiredRatioBps,
		LiquidationBonusBps:   cfg.LiquidationBonusBps,
		BorrowCurrency:        cfg.BorrowCurrency,
		SecondaryCurrencies:   cfg.SecondaryCurrencies,
		TermLengthSeconds:     cfg.TermLengthSeconds,
		MinHoldSeconds:        cfg.MinHoldSeconds,
		MaxPrimaryBorrow:      nonNil(cfg.MaxPrimaryBorrowCapacity),
		MinAccountBorrowSize:  nonNil(cfg.MinAccountBorrowSize),
		MinDeposit:            nonNil(cfg.MinDeposit),
	}
	for _, cap := range cfg.SecondaryBorrowCaps {
		stored.SecondaryBorrowCaps = append(stored.SecondaryBorrowCaps, nonNil(cap))
	}
	for _, router := range cfg.AuthorizedRouters {
		stored.AuthorizedRouters = append(stored.AuthorizedRouters, router.Bytes())
	}
	return s.put(hashKey(configPrefix, cfg.VaultID), &stored)
}

type storedState struct {
	VaultID             string
	Maturity            uint64
	TotalVaultShares    *big.Int
	TotalDebtUnderlying *big.Int
	EscrowedAssetCash   *big.Int
	SettlementIndex     *big.Int
	IsSettled           bool
	IsFullySettled      bool
}

func maturityKey(prefix []byte, vaultID string, maturity uint64) []byte {
	return hashKey(prefix, vaultID, fmt.Sprintf("%d", maturity))
}

// GetVaultState loads one maturity bucket, nil when absent.
func (s *Store) GetVaultState(vaultID string, maturity uint64) (*vault.VaultState, error) {
	data, err := s.get(maturityKey(statePrefix, vaultID, maturity))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedState
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &vault.VaultState{
		VaultID:             stored.VaultID,
		Maturity:            stored.Maturity,
		TotalVaultShares:    stored.TotalVaultShares,
		TotalDebtUnderlying: stored.TotalDebtUnderlying,
		EscrowedAssetCash:   stored.EscrowedAssetCash,
		SettlementIndex:     stored.SettlementIndex,
		IsSettled:           stored.IsSettled,
		IsFullySettled:      stored.IsFullySettled,
	}, nil
}

// PutVaultState persists one maturity bucket.
func (s *Store) PutVaultState(state *vault.VaultState) error {
	if state == nil {
		return errCorruptValue
	}
	stored := storedState{
		VaultID:             state.VaultID,
		Maturity:            state.Maturity,
		TotalVaultShares:    nonNil(state.TotalVaultShares),
		TotalDebtUnderlying: nonNil(state.TotalDebtUnderlying),
		EscrowedAssetCash:   nonNil(state.EscrowedAssetCash),
		SettlementIndex:     nonNil(state.SettlementIndex),
		IsSettled:           state.IsSettled,
		IsFullySettled:      state.IsFullySettled,
	}
	return s.put(maturityKey(statePrefix, state.VaultID, state.Maturity), &stored)
}

// DeleteVaultState removes a drained maturity bucket.
func (s *Store) DeleteVaultState(vaultID string, maturity uint64) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	return s.db.Delete(maturityKey(statePrefix, vaultID, maturity))
}

type storedAccount struct {
	Address        []byte
	Maturity       uint64
	AccountDebt    signedInt
	VaultShares    *big.Int
	TempCash       signedInt
	LastUpdateTime uint64
}

func accountKey(vaultID string, addr crypto.Address) []byte {
	return hashKey(accountPrefix, vaultID, string(addr.Bytes()))
}

// GetVaultAccount loads one position record, nil when absent.
func (s *Store) GetVaultAccount(vaultID string, addr crypto.Address) (*vault.VaultAccount, error) {
	data, err := s.get(accountKey(vaultID, addr))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &vault.VaultAccount{
		Address:         crypto.NewAddress(crypto.TermPrefix, stored.Address),
		Maturity:        stored.Maturity,
		AccountDebt:     fromSigned(stored.AccountDebt),
		VaultShares:     stored.VaultShares,
		TempCashBalance: fromSigned(stored.TempCash),
		LastUpdateTime:  stored.LastUpdateTime,
	}, nil
}

// PutVaultAccount persists one position record.
func (s *Store) PutVaultAccount(vaultID string, account *vault.VaultAccount) error {
	if account == nil {
		return errCorruptValue
	}
	stored := storedAccount{
		Address:        account.Address.Bytes(),
		Maturity:       account.Maturity,
		AccountDebt:    toSigned(account.AccountDebt),
		VaultShares:    nonNil(account.VaultShares),
		TempCash:       toSigned(account.TempCashBalance),
		LastUpdateTime: account.LastUpdateTime,
	}
	return s.put(accountKey(vaultID, account.Address), &stored)
}

type storedPool struct {
	VaultID             string
	Currency            uint16
	Maturity            uint64
	TotalDebtShares     *big.Int
	TotalDebtUnderlying *big.Int
	Index               *big.Int
	LastAccrual         uint64
}

func poolKey(vaultID string, currency uint16, maturity uint64) []byte {
	return hashKey(poolPrefix, vaultID, fmt.Sprintf("%d/%d", currency, maturity))
}

// GetSecondaryState loads one pooled secondary borrow state, nil when absent.
func (s *Store) GetSecondaryState(vaultID string, currency uint16, maturity uint64) (*vault.SecondaryBorrowState, error) {
	data, err := s.get(poolKey(vaultID, currency, maturity))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedPool
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &vault.SecondaryBorrowState{
		VaultID:             stored.VaultID,
		Currency:            stored.Currency,
		Maturity:            stored.Maturity,
		TotalDebtShares:     stored.TotalDebtShares,
		TotalDebtUnderlying: stored.TotalDebtUnderlying,
		Index:               stored.Index,
		LastAccrual:         stored.LastAccrual,
	}, nil
}

// PutSecondaryState persists one pooled secondary borrow state.
func (s *Store) PutSecondaryState(state *vault.SecondaryBorrowState) error {
	if state == nil {
		return errCorruptValue
	}
	stored := storedPool{
		VaultID:             state.VaultID,
		Currency:            state.Currency,
		Maturity:            state.Maturity,
		TotalDebtShares:     nonNil(state.TotalDebtShares),
		TotalDebtUnderlying: nonNil(state.TotalDebtUnderlying),
		Index:               nonNil(state.Index),
		LastAccrual:         state.LastAccrual,
	}
	return s.put(poolKey(state.VaultID, state.Currency, state.Maturity), &stored)
}

type storedShare struct {
	Address     []byte
	Slot        uint32
	DebtShares  *big.Int
	CashBalance *big.Int
}

func shareKey(vaultID string, addr crypto.Address, slot int) []byte {
	return hashKey(sharePrefix, vaultID, string(addr.Bytes()), fmt.Sprintf("%d", slot))
}

// GetSecondaryShare loads one account's secondary debt share record, nil when
// absent.
func (s *Store) GetSecondaryShare(vaultID string, addr crypto.Address, slot int) (*vault.SecondaryDebtShare, error) {
	data, err := s.get(shareKey(vaultID, addr, slot))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedShare
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &vault.SecondaryDebtShare{
		Address:     crypto.NewAddress(crypto.TermPrefix, stored.Address),
		Slot:        int(stored.Slot),
		DebtShares:  stored.DebtShares,
		CashBalance: stored.CashBalance,
	}, nil
}

// PutSecondaryShare persists one secondary debt share record.
func (s *Store) PutSecondaryShare(vaultID string, share *vault.SecondaryDebtShare) error {
	if share == nil {
		return errCorruptValue
	}
	stored := storedShare{
		Address:     share.Address.Bytes(),
		Slot:        uint32(share.Slot),
		DebtShares:  nonNil(share.DebtShares),
		CashBalance: nonNil(share.CashBalance),
	}
	return s.put(shareKey(vaultID, share.Address, share.Slot), &stored)
}

type storedPrime struct {
	Currency      uint16
	Index         *big.Int
	AnnualRateBps uint64
	LastAccrual   uint64
}

// GetPrimeRate loads one currency's prime rate state, nil when absent.
func (s *Store) GetPrimeRate(currency uint16) (*vault.PrimeRateState, error) {
	data, err := s.get(hashKey(primePrefix, fmt.Sprintf("%d", currency)))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedPrime
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &vault.PrimeRateState{
		Currency:      stored.Currency,
		Index:         stored.Index,
		AnnualRateBps: stored.AnnualRateBps,
		LastAccrual:   stored.LastAccrual,
	}, nil
}

// PutPrimeRate persists one currency's prime rate state.
func (s *Store) PutPrimeRate(rate *vault.PrimeRateState) error {
	if rate == nil {
		return errCorruptValue
	}
	stored := storedPrime{
		Currency:      rate.Currency,
		Index:         nonNil(rate.Index),
		AnnualRateBps: rate.AnnualRateBps,
		LastAccrual:   rate.LastAccrual,
	}
	return s.put(hashKey(primePrefix, fmt.Sprintf("%d", rate.Currency)), &stored)
}

func balanceKey(addr crypto.Address, currency uint16) []byte {
	return hashKey(balancePrefix, string(addr.Bytes()), fmt.Sprintf("%d", currency))
}

// GetBalance loads one ledger balance; missing balances are zero.
func (s *Store) GetBalance(addr crypto.Address, currency uint16) (*big.Int, error) {
	data, err := s.get(balanceKey(addr, currency))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return value, nil
}

// PutBalance persists one ledger balance.
func (s *Store) PutBalance(addr crypto.Address, currency uint16, amount *big.Int) error {
	return s.put(balanceKey(addr, currency), nonNil(amount))
}

// GetBorrowCapacityUsed loads the outstanding fixed-rate borrow tally for one
// vault and currency; missing tallies are zero.
func (s *Store) GetBorrowCapacityUsed(vaultID string, currency uint16) (*big.Int, error) {
	data, err := s.get(hashKey(capacityPrefix, vaultID, fmt.Sprintf("%d", currency)))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return value, nil
}

// PutBorrowCapacityUsed persists the outstanding fixed-rate borrow tally.
func (s *Store) PutBorrowCapacityUsed(vaultID string, currency uint16, used *big.Int) error {
	return s.put(hashKey(capacityPrefix, vaultID, fmt.Sprintf("%d", currency)), nonNil(used))
}
