package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPMover is a FundsMover backed by the provider's REST API. The
// idempotency key rides in the Idempotency-Key header, which the provider
// uses to collapse retried calls onto the original transfer.
type HTTPMover struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPMover creates a mover for the given API base URL and bearer token.
func NewHTTPMover(baseURL, token string) *HTTPMover {
	return &HTTPMover{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type transferRequest struct {
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               string `json:"amount"`
}

type transferResponse struct {
	TransferID           string `json:"transfer_id"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               string `json:"amount"`
	IdempotencyKey       string `json:"idempotency_key"`
	ExecutedAt           string `json:"executed_at"`
}

// Transfer implements FundsMover.
func (m *HTTPMover) Transfer(ctx context.Context, sourceAccountID, destinationAccountID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	body, err := json.Marshal(transferRequest{
		SourceAccountID:      sourceAccountID,
		DestinationAccountID: destinationAccountID,
		Amount:               amount.StringFixed(2),
	})
	if err != nil {
		return "", fmt.Errorf("Transfer: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("Transfer: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &RetryableFailure{Err: fmt.Errorf("Transfer: calling API: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", &RetryableFailure{Err: fmt.Errorf("Transfer: API returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", &FatalFailure{
			Reason: fmt.Sprintf("transfer rejected with status %d", resp.StatusCode),
			Err:    fmt.Errorf("Transfer: API returned %d: %s", resp.StatusCode, readBody(resp.Body)),
		}
	}

	var decoded transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("Transfer: decoding response: %w", err)
	}
	if decoded.TransferID == "" {
		return "", fmt.Errorf("Transfer: response missing transfer_id")
	}
	return decoded.TransferID, nil
}

// ListTransfers implements FundsMover.
func (m *HTTPMover) ListTransfers(ctx context.Context, destinationAccountID string) ([]ExternalTransfer, error) {
	endpoint := m.baseURL + "/v1/transfers?destination_account_id=" + url.QueryEscape(destinationAccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ListTransfers: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ListTransfers: calling API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ListTransfers: API returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	var decoded struct {
		Transfers []transferResponse `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ListTransfers: decoding response: %w", err)
	}

	transfers := make([]ExternalTransfer, 0, len(decoded.Transfers))
	for _, tr := range decoded.Transfers {
		amount, err := decimal.NewFromString(tr.Amount)
		if err != nil {
			return nil, fmt.Errorf("ListTransfers: parsing amount %q: %w", tr.Amount, err)
		}
		executedAt, _ := time.Parse(time.RFC3339, tr.ExecutedAt)
		transfers = append(transfers, ExternalTransfer{
			ID:                   tr.TransferID,
			SourceAccountID:      tr.SourceAccountID,
			DestinationAccountID: tr.DestinationAccountID,
			Amount:               amount,
			IdempotencyKey:       tr.IdempotencyKey,
			ExecutedAt:           executedAt,
		})
	}
	return transfers, nil
}

func readBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return ""
	}
	return string(b)
}

var _ FundsMover = (*HTTPMover)(nil)
