// Package feed defines the engine's view of the external account/transaction
// feed. The feed is consumed, not owned: bank linking and ingestion live
// outside this service.
package feed

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// Event is one feed notification. Exactly one of the fields is set.
type Event struct {
	Transaction *domain.Transaction
	Snapshot    *domain.AccountSnapshot
}

// Source streams feed events to the scheduler.
type Source interface {
	// Events returns the event stream. The channel closes when the source
	// shuts down or ctx is cancelled.
	Events(ctx context.Context) (<-chan Event, error)
}

// BalanceProvider fetches an account's authoritative current balance. The
// reconciler uses it to cross-check ledger-derived totals.
type BalanceProvider interface {
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// ChannelSource is a Source fed by explicit Publish calls. It adapts push
// style ingestion webhooks (or tests) to the scheduler's event loop.
type ChannelSource struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewChannelSource creates a source with the given buffer size.
func NewChannelSource(bufferSize int) *ChannelSource {
	return &ChannelSource{events: make(chan Event, bufferSize)}
}

// Events implements Source.
func (s *ChannelSource) Events(ctx context.Context) (<-chan Event, error) {
	return s.events, nil
}

// Publish pushes one event into the stream, blocking when the buffer is full.
func (s *ChannelSource) Publish(ctx context.Context, event Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Publish must not be called afterwards.
func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

var _ Source = (*ChannelSource)(nil)
