package markets

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"termchain/crypto"
)

// StrategyClient drives a remote yield strategy. The engine treats it as
// untrusted: any error or malformed reply aborts the enclosing operation.
type StrategyClient struct {
	client *Client
}

// NewStrategyClient builds a strategy adapter against the strategy base URL.
func NewStrategyClient(baseURL string, opts ...Option) (*StrategyClient, error) {
	client, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &StrategyClient{client: client}, nil
}

type strategyRequest struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	Maturity uint64 `json:"maturity,omitempty"`
	Data     string `json:"data,omitempty"`
}

type strategyResponse struct {
	Amount string `json:"amount"`
}

// Enter deposits cash into the strategy and returns the shares minted.
func (s *StrategyClient) Enter(account crypto.Address, cashAmount *big.Int, vaultData []byte) (*big.Int, error) {
	return s.call("/v1/enter", account, cashAmount, 0, vaultData)
}

// Redeem burns shares and returns the cash received.
func (s *StrategyClient) Redeem(account crypto.Address, shares *big.Int, vaultData []byte) (*big.Int, error) {
	return s.call("/v1/redeem", account, shares, 0, vaultData)
}

// ValueOf quotes the underlying value of shares without moving funds.
func (s *StrategyClient) ValueOf(account crypto.Address, maturity uint64, shares *big.Int) (*big.Int, error) {
	return s.call("/v1/value", account, shares, maturity, nil)
}

func (s *StrategyClient) call(path string, account crypto.Address, amount *big.Int, maturity uint64, data []byte) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("markets: invalid strategy amount")
	}
	request := strategyRequest{
		Account:  account.String(),
		Amount:   amount.String(),
		Maturity: maturity,
	}
	if len(data) > 0 {
		request.Data = hex.EncodeToString(data)
	}
	var response strategyResponse
	if err := s.client.postJSON(path, request, &response); err != nil {
		return nil, err
	}
	result, ok := new(big.Int).SetString(response.Amount, 10)
	if !ok || result.Sign() < 0 {
		return nil, fmt.Errorf("markets: invalid strategy amount %q", response.Amount)
	}
	return result, nil
}
