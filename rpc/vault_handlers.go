package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"termchain/crypto"
	"termchain/native/vault"
)

type enterParams struct {
	Caller           string `json:"caller"`
	Account          string `json:"account"`
	VaultID          string `json:"vaultId"`
	Deposit          string `json:"deposit"`
	Maturity         uint64 `json:"maturity"`
	BorrowAmount     string `json:"borrowAmount,omitempty"`
	MaxBorrowRateBps uint64 `json:"maxBorrowRateBps,omitempty"`
	StrategyData     string `json:"strategyData,omitempty"`
}

type rollParams struct {
	Caller           string `json:"caller"`
	Account          string `json:"account"`
	VaultID          string `json:"vaultId"`
	NewMaturity      uint64 `json:"newMaturity"`
	NewBorrowAmount  string `json:"newBorrowAmount"`
	ExtraDeposit     string `json:"extraDeposit,omitempty"`
	MinLendRateBps   uint64 `json:"minLendRateBps,omitempty"`
	MaxBorrowRateBps uint64 `json:"maxBorrowRateBps,omitempty"`
	StrategyData     string `json:"strategyData,omitempty"`
}

type settleParams struct {
	Account string `json:"account"`
	VaultID string `json:"vaultId"`
}

type exitParams struct {
	Caller         string `json:"caller"`
	Account        string `json:"account"`
	VaultID        string `json:"vaultId"`
	Receiver       string `json:"receiver,omitempty"`
	SharesToRedeem string `json:"sharesToRedeem"`
	LendAmount     string `json:"lendAmount,omitempty"`
	MinLendRateBps uint64 `json:"minLendRateBps,omitempty"`
	StrategyData   string `json:"strategyData,omitempty"`
}

type deleverageParams struct {
	Caller        string `json:"caller"`
	Account       string `json:"account"`
	VaultID       string `json:"vaultId"`
	Liquidator    string `json:"liquidator"`
	DepositAmount string `json:"depositAmount"`
}

type secondaryBorrowParams struct {
	Caller           string `json:"caller"`
	Account          string `json:"account"`
	VaultID          string `json:"vaultId"`
	Currency         uint16 `json:"currency"`
	Maturity         uint64 `json:"maturity"`
	Amount           string `json:"amount"`
	MaxBorrowRateBps uint64 `json:"maxBorrowRateBps,omitempty"`
	MinLendRateBps   uint64 `json:"minLendRateBps,omitempty"`
}

type secondaryLiquidateParams struct {
	Caller     string `json:"caller"`
	Account    string `json:"account"`
	VaultID    string `json:"vaultId"`
	Liquidator string `json:"liquidator"`
	Currency   uint16 `json:"currency"`
	Amount     string `json:"amount"`
}

type vaultQueryParams struct {
	VaultID  string `json:"vaultId"`
	Account  string `json:"account,omitempty"`
	Maturity uint64 `json:"maturity,omitempty"`
}

type setPausedParams struct {
	Signer  string `json:"signer"`
	VaultID string `json:"vaultId"`
	Paused  bool   `json:"paused"`
}

type setEnabledParams struct {
	Signer  string `json:"signer"`
	VaultID string `json:"vaultId"`
	Enabled bool   `json:"enabled"`
}

type updateConfigParams struct {
	Signer string            `json:"signer"`
	Config vaultConfigUpdate `json:"config"`
}

type vaultConfigUpdate struct {
	VaultID               string   `json:"vaultId"`
	VaultAddress          string   `json:"vaultAddress"`
	Enabled               bool     `json:"enabled"`
	Paused                bool     `json:"paused"`
	AllowRoll             bool     `json:"allowRoll"`
	AllowReenter          bool     `json:"allowReenter"`
	DeleverageDisabled    bool     `json:"deleverageDisabled"`
	VaultOnlyDeleverage   bool     `json:"vaultOnlyDeleverage"`
	DeleverageToCash      bool     `json:"deleverageToCash"`
	MinCollateralRatioBps uint64   `json:"minCollateralRatioBps"`
	MaxRequiredRatioBps   uint64   `json:"maxRequiredRatioBps"`
	LiquidationBonusBps   uint64   `json:"liquidationBonusBps"`
	BorrowCurrency        uint16   `json:"borrowCurrency"`
	SecondaryCurrencies   []uint16 `json:"secondaryCurrencies,omitempty"`
	SecondaryBorrowCaps   []string `json:"secondaryBorrowCaps,omitempty"`
	TermLengthSeconds     uint64   `json:"termLengthSeconds"`
	MinHoldSeconds        uint64   `json:"minHoldSeconds,omitempty"`
	MaxPrimaryBorrow      string   `json:"maxPrimaryBorrowCapacity,omitempty"`
	MinAccountBorrowSize  string   `json:"minAccountBorrowSize,omitempty"`
	MinDeposit            string   `json:"minDeposit,omitempty"`
	AuthorizedRouters     []string `json:"authorizedRouters,omitempty"`
}

type sharesResult struct {
	Shares string `json:"shares"`
}

type liquidationResult struct {
	Shares          string `json:"shares"`
	DepositAccepted string `json:"depositAccepted"`
}

type cashResult struct {
	Cash string `json:"cash"`
}

type excessCashResult struct {
	CashPurchased string `json:"cashPurchased"`
	Payment       string `json:"payment"`
}

// decodeParams enforces a single JSON parameter object per request.
func decodeParams(w http.ResponseWriter, req *RPCRequest, target interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

func (s *Server) handleVaultEnter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input enterParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	deposit, err := parseAmount(input.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid deposit", err.Error())
		return
	}
	borrow, err := parseAmount(input.BorrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrowAmount", err.Error())
		return
	}
	shares, err := s.engine.EnterVault(caller, account, input.VaultID, deposit,
		input.Maturity, borrow, input.MaxBorrowRateBps, []byte(input.StrategyData))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, sharesResult{Shares: formatAmount(shares)})
}

func (s *Server) handleVaultRoll(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input rollParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	borrow, err := parseAmount(input.NewBorrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid newBorrowAmount", err.Error())
		return
	}
	extra, err := parseAmount(input.ExtraDeposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid extraDeposit", err.Error())
		return
	}
	shares, err := s.engine.RollVaultPosition(caller, account, input.VaultID,
		input.NewMaturity, borrow, extra, input.MinLendRateBps, input.MaxBorrowRateBps,
		[]byte(input.StrategyData))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, sharesResult{Shares: formatAmount(shares)})
}

func (s *Server) handleVaultSettle(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input settleParams
	if !decodeParams(w, req, &input) {
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	if err := s.engine.SettleVaultAccount(account, input.VaultID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"settled": true})
}

func (s *Server) handleVaultExit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input exitParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	receiver := account
	if strings.TrimSpace(input.Receiver) != "" {
		receiver, err = decodeBech32(input.Receiver)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid receiver", err.Error())
			return
		}
	}
	shares, err := parseAmount(input.SharesToRedeem)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid sharesToRedeem", err.Error())
		return
	}
	lend, err := parseAmount(input.LendAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lendAmount", err.Error())
		return
	}
	payout, err := s.engine.ExitVault(caller, account, input.VaultID, receiver,
		shares, lend, input.MinLendRateBps, []byte(input.StrategyData))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cashResult{Cash: formatAmount(payout)})
}

func (s *Server) handleVaultDeleverage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input deleverageParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	liquidator, err := decodeBech32(input.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator", err.Error())
		return
	}
	deposit, err := parseAmount(input.DepositAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid depositAmount", err.Error())
		return
	}
	shares, accepted, err := s.engine.DeleverageAccount(caller, account, input.VaultID, liquidator, deposit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, liquidationResult{
		Shares:          formatAmount(shares),
		DepositAccepted: formatAmount(accepted),
	})
}

func (s *Server) handleBorrowSecondary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input secondaryBorrowParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, account, amount, ok := s.decodeSecondaryCommon(w, req, input)
	if !ok {
		return
	}
	cash, err := s.engine.BorrowSecondary(caller, account, input.VaultID,
		input.Currency, input.Maturity, amount, input.MaxBorrowRateBps)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cashResult{Cash: formatAmount(cash)})
}

func (s *Server) handleRepaySecondary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input secondaryBorrowParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, account, amount, ok := s.decodeSecondaryCommon(w, req, input)
	if !ok {
		return
	}
	repaid, err := s.engine.RepaySecondary(caller, account, input.VaultID,
		input.Currency, input.Maturity, amount, input.MinLendRateBps)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cashResult{Cash: formatAmount(repaid)})
}

func (s *Server) decodeSecondaryCommon(w http.ResponseWriter, req *RPCRequest, input secondaryBorrowParams) (caller, account crypto.Address, amount *big.Int, ok bool) {
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return caller, account, nil, false
	}
	account, err = decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return caller, account, nil, false
	}
	amount, err = parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return caller, account, nil, false
	}
	return caller, account, amount, true
}

func (s *Server) handleLiquidateSecondary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input secondaryLiquidateParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, account, liquidator, amount, ok := s.decodeLiquidateCommon(w, req, input)
	if !ok {
		return
	}
	shares, accepted, err := s.engine.LiquidateSecondaryDebt(caller, account,
		input.VaultID, liquidator, input.Currency, amount)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, liquidationResult{
		Shares:          formatAmount(shares),
		DepositAccepted: formatAmount(accepted),
	})
}

func (s *Server) handleLiquidateExcessCash(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input secondaryLiquidateParams
	if !decodeParams(w, req, &input) {
		return
	}
	caller, account, liquidator, amount, ok := s.decodeLiquidateCommon(w, req, input)
	if !ok {
		return
	}
	purchased, payment, err := s.engine.LiquidateExcessCash(caller, account,
		input.VaultID, liquidator, input.Currency, amount)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, excessCashResult{
		CashPurchased: formatAmount(purchased),
		Payment:       formatAmount(payment),
	})
}

func (s *Server) decodeLiquidateCommon(w http.ResponseWriter, req *RPCRequest, input secondaryLiquidateParams) (caller, account, liquidator crypto.Address, amount *big.Int, ok bool) {
	caller, err := decodeBech32(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return caller, account, liquidator, nil, false
	}
	account, err = decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return caller, account, liquidator, nil, false
	}
	liquidator, err = decodeBech32(input.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator", err.Error())
		return caller, account, liquidator, nil, false
	}
	amount, err = parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return caller, account, liquidator, nil, false
	}
	return caller, account, liquidator, amount, true
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input vaultQueryParams
	if !decodeParams(w, req, &input) {
		return
	}
	cfg, err := s.engine.VaultConfigOf(input.VaultID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, newVaultConfigResult(cfg))
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input vaultQueryParams
	if !decodeParams(w, req, &input) {
		return
	}
	state, err := s.engine.VaultStateOf(input.VaultID, input.Maturity)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, newVaultStateResult(state))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input vaultQueryParams
	if !decodeParams(w, req, &input) {
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	record, err := s.engine.VaultAccountOf(input.VaultID, account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, newVaultAccountResult(record))
}

func (s *Server) handleGetHealth(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input vaultQueryParams
	if !decodeParams(w, req, &input) {
		return
	}
	account, err := decodeBech32(input.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	factors, err := s.engine.AccountHealth(input.VaultID, account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, healthResult{
		CollateralRatioBps: formatAmount(factors.CollateralRatioBps),
		LeverageRatioBps:   formatAmount(factors.LeverageRatioBps),
		VaultShareValue:    formatAmount(factors.VaultShareValue),
		DebtOutstanding:    formatAmount(factors.DebtOutstanding),
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input updateConfigParams
	if !decodeParams(w, req, &input) {
		return
	}
	signer, err := decodeBech32(input.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	cfg, err := input.Config.toVaultConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid config", err.Error())
		return
	}
	if err := s.engine.UpdateVaultConfig(vault.AdminContext{Signer: signer}, cfg); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"updated": true})
}

func (s *Server) handleSetPaused(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input setPausedParams
	if !decodeParams(w, req, &input) {
		return
	}
	signer, err := decodeBech32(input.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	if err := s.engine.SetVaultPaused(vault.AdminContext{Signer: signer}, input.VaultID, input.Paused); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"paused": input.Paused})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input setEnabledParams
	if !decodeParams(w, req, &input) {
		return
	}
	signer, err := decodeBech32(input.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	if err := s.engine.SetVaultEnabled(vault.AdminContext{Signer: signer}, input.VaultID, input.Enabled); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"enabled": input.Enabled})
}

func (u vaultConfigUpdate) toVaultConfig() (*vault.VaultConfig, error) {
	vaultAddr, err := decodeBech32(u.VaultAddress)
	if err != nil {
		return nil, err
	}
	cfg := &vault.VaultConfig{
		VaultID:               strings.TrimSpace(u.VaultID),
		VaultAddress:          vaultAddr,
		Enabled:               u.Enabled,
		Paused:                u.Paused,
		AllowRoll:             u.AllowRoll,
		AllowReenter:          u.AllowReenter,
		DeleverageDisabled:    u.DeleverageDisabled,
		VaultOnlyDeleverage:   u.VaultOnlyDeleverage,
		DeleverageToCash:      u.DeleverageToCash,
		MinCollateralRatioBps: u.MinCollateralRatioBps,
		MaxRequiredRatioBps:   u.MaxRequiredRatioBps,
		LiquidationBonusBps:   u.LiquidationBonusBps,
		BorrowCurrency:        u.BorrowCurrency,
		SecondaryCurrencies:   u.SecondaryCurrencies,
		TermLengthSeconds:     u.TermLengthSeconds,
		MinHoldSeconds:        u.MinHoldSeconds,
	}
	if cfg.MaxPrimaryBorrowCapacity, err = parseAmount(u.MaxPrimaryBorrow); err != nil {
		return nil, err
	}
	if cfg.MinAccountBorrowSize, err = parseAmount(u.MinAccountBorrowSize); err != nil {
		return nil, err
	}
	if cfg.MinDeposit, err = parseAmount(u.MinDeposit); err != nil {
		return nil, err
	}
	for _, cap := range u.SecondaryBorrowCaps {
		parsed, err := parseAmount(cap)
		if err != nil {
			return nil, err
		}
		cfg.SecondaryBorrowCaps = append(cfg.SecondaryBorrowCaps, parsed)
	}
	for _, router := range u.AuthorizedRouters {
		addr, err := decodeBech32(router)
		if err != nil {
			return nil, err
		}
		cfg.AuthorizedRouters = append(cfg.AuthorizedRouters, addr)
	}
	return cfg, nil
}
