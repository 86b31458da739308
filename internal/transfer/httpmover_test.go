package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHTTPMoverTransfer(t *testing.T) {
	var gotKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transfer_id":"xfer-9"}`))
	}))
	defer server.Close()

	mover := NewHTTPMover(server.URL, "secret")
	id, err := mover.Transfer(context.Background(), "src", "dst", decimal.NewFromInt(100), "g:r:p")
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if id != "xfer-9" {
		t.Errorf("transfer id = %q, want xfer-9", id)
	}
	if gotKey != "g:r:p" {
		t.Errorf("Idempotency-Key = %q, want g:r:p", gotKey)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
}

func TestHTTPMoverTransfer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
		wantFatal     bool
	}{
		{"server error retries", http.StatusInternalServerError, true, false},
		{"rate limit retries", http.StatusTooManyRequests, true, false},
		{"rejection is fatal", http.StatusUnprocessableEntity, false, true},
		{"bad request is fatal", http.StatusBadRequest, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			mover := NewHTTPMover(server.URL, "")
			_, err := mover.Transfer(context.Background(), "src", "dst", decimal.NewFromInt(1), "k")
			if err == nil {
				t.Fatal("expected error")
			}
			var retryable *RetryableFailure
			if got := errors.As(err, &retryable); got != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", got, tt.wantRetryable)
			}
			var fatal *FatalFailure
			if got := errors.As(err, &fatal); got != tt.wantFatal {
				t.Errorf("fatal = %v, want %v", got, tt.wantFatal)
			}
		})
	}
}

func TestHTTPMoverListTransfers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("destination_account_id"); got != "dst-1" {
			t.Errorf("destination_account_id = %q, want dst-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transfers":[
			{"transfer_id":"x1","source_account_id":"src","destination_account_id":"dst-1","amount":"100","idempotency_key":"g:r:p","executed_at":"2024-06-15T10:00:00Z"}
		]}`))
	}))
	defer server.Close()

	mover := NewHTTPMover(server.URL, "")
	transfers, err := mover.ListTransfers(context.Background(), "dst-1")
	if err != nil {
		t.Fatalf("ListTransfers() error = %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers len = %d, want 1", len(transfers))
	}
	if transfers[0].ID != "x1" || transfers[0].IdempotencyKey != "g:r:p" {
		t.Errorf("transfer = %+v", transfers[0])
	}
	if !transfers[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("amount = %s, want 100", transfers[0].Amount)
	}
}
