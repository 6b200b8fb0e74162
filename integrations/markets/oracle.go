package markets

import (
	"fmt"
	"math/big"

	"termchain/crypto"
)

// QuoteClient resolves cross-currency prices from a remote oracle. Rates are
// ray scaled.
type QuoteClient struct {
	client *Client
}

// NewQuoteClient builds a quote oracle against the oracle base URL.
func NewQuoteClient(baseURL string, opts ...Option) (*QuoteClient, error) {
	client, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &QuoteClient{client: client}, nil
}

type quoteRequest struct {
	Base  uint16 `json:"base"`
	Quote uint16 `json:"quote"`
}

type quoteResponse struct {
	Rate string `json:"rate"`
}

// Rate returns the ray-scaled price of one unit of base in quote terms.
func (q *QuoteClient) Rate(base, quote uint16) (*big.Int, error) {
	var response quoteResponse
	if err := q.client.postJSON("/v1/rate", quoteRequest{Base: base, Quote: quote}, &response); err != nil {
		return nil, err
	}
	rate, ok := new(big.Int).SetString(response.Rate, 10)
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("markets: invalid rate %q", response.Rate)
	}
	return rate, nil
}

// CollateralClient consults a remote risk service about an account's
// non-vault solvency before cash leaves the system.
type CollateralClient struct {
	client *Client
}

// NewCollateralClient builds a free-collateral oracle against the risk
// service base URL.
func NewCollateralClient(baseURL string, opts ...Option) (*CollateralClient, error) {
	client, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &CollateralClient{client: client}, nil
}

type collateralRequest struct {
	Account string `json:"account"`
}

type collateralResponse struct {
	Solvent bool `json:"solvent"`
}

// Check reports whether the account's outside holdings remain solvent.
func (c *CollateralClient) Check(account crypto.Address) (bool, error) {
	var response collateralResponse
	if err := c.client.postJSON("/v1/check", collateralRequest{Account: account.String()}, &response); err != nil {
		return false, err
	}
	return response.Solvent, nil
}
