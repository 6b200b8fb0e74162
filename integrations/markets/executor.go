package markets

import (
	"errors"
	"fmt"
	"math/big"

	"termchain/native/vault"
)

// rate_exceeded is the wire code market services use for unfillable rate
// bounds.
const codeRateExceeded = "rate_exceeded"

// ExecutorClient drives a remote fixed-rate market maker. It satisfies the
// engine's trade execution contract: fills are all-or-nothing and a rate
// bound miss surfaces as vault.ErrRateExceeded.
type ExecutorClient struct {
	client *Client
}

// NewExecutorClient builds an executor against the market maker base URL.
func NewExecutorClient(baseURL string, opts ...Option) (*ExecutorClient, error) {
	client, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &ExecutorClient{client: client}, nil
}

type tradeRequest struct {
	Currency uint16 `json:"currency"`
	Maturity uint64 `json:"maturity"`
	Notional string `json:"notional"`
	RateBps  uint64 `json:"rateBps"`
}

type tradeResponse struct {
	Cash string `json:"cash"`
}

// Borrow sells fCash for cash through the remote market.
func (e *ExecutorClient) Borrow(currency uint16, maturity uint64, notional *big.Int, maxRateBps uint64) (*big.Int, error) {
	return e.trade("/v1/borrow", currency, maturity, notional, maxRateBps)
}

// Lend buys fCash with cash through the remote market.
func (e *ExecutorClient) Lend(currency uint16, maturity uint64, notional *big.Int, minRateBps uint64) (*big.Int, error) {
	return e.trade("/v1/lend", currency, maturity, notional, minRateBps)
}

func (e *ExecutorClient) trade(path string, currency uint16, maturity uint64, notional *big.Int, rateBps uint64) (*big.Int, error) {
	if notional == nil || notional.Sign() < 0 {
		return nil, fmt.Errorf("markets: invalid notional")
	}
	request := tradeRequest{
		Currency: currency,
		Maturity: maturity,
		Notional: notional.String(),
		RateBps:  rateBps,
	}
	var response tradeResponse
	if err := e.client.postJSON(path, request, &response); err != nil {
		var remote *ServiceError
		if errors.As(err, &remote) && remote.Code == codeRateExceeded {
			return nil, vault.ErrRateExceeded
		}
		return nil, err
	}
	cash, ok := new(big.Int).SetString(response.Cash, 10)
	if !ok || cash.Sign() < 0 {
		return nil, fmt.Errorf("markets: invalid cash amount %q", response.Cash)
	}
	return cash, nil
}
