package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPBalanceProvider fetches balances from the account feed's REST API.
type HTTPBalanceProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBalanceProvider creates a provider for the given API base URL and
// bearer token.
func NewHTTPBalanceProvider(baseURL, token string) *HTTPBalanceProvider {
	return &HTTPBalanceProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// GetBalance implements BalanceProvider.
func (p *HTTPBalanceProvider) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	endpoint := p.baseURL + "/v1/accounts/" + url.PathEscape(accountID) + "/balance"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: calling API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("GetBalance: API returned %d for account %s", resp.StatusCode, accountID)
	}

	var decoded struct {
		AccountID string `json:"account_id"`
		Balance   string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: decoding response: %w", err)
	}

	balance, err := decimal.NewFromString(decoded.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: parsing balance %q: %w", decoded.Balance, err)
	}
	return balance, nil
}

var _ BalanceProvider = (*HTTPBalanceProvider)(nil)
