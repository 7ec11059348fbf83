// Package notify emits immutable engine events to a publish channel. Emission
// is fire-and-forget: the transactional core never blocks on, or rolls back
// for, notification delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agoramarket/auction-engine/internal/money"
)

// Type identifies an event kind.
type Type string

const (
	NewBid       Type = "new_bid"
	AuctionEnded Type = "auction_ended"
)

// Event is a single engine event with a serialized payload.
type Event struct {
	Type      Type            `json:"type"`
	AuctionID string          `json:"auction_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewBidData is the payload for NewBid events.
type NewBidData struct {
	BidID    string       `json:"bid_id"`
	BidderID string       `json:"bidder_id"`
	Amount   money.Amount `json:"amount"`
	BidCount int          `json:"bid_count"`
}

// AuctionEndedData is the payload for AuctionEnded events.
type AuctionEndedData struct {
	WinnerID   string       `json:"winner_id,omitempty"`
	FinalPrice money.Amount `json:"final_price"`
}

// NewEvent builds an Event with the payload marshalled to JSON.
func NewEvent(t Type, auctionID string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Event{Type: t, AuctionID: auctionID, Data: data, CreatedAt: at}, nil
}

// Publisher delivers events to the outside world (a realtime channel, a
// message broker). Delivery is at-most-once from the engine's perspective.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emitter queues events on a bounded buffer consumed by a dispatcher
// goroutine. A full buffer drops the event rather than blocking admission.
type Emitter struct {
	ch     chan Event
	pub    Publisher
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewEmitter returns an Emitter with the given buffer capacity.
func NewEmitter(pub Publisher, buffer int, logger *slog.Logger) *Emitter {
	return &Emitter{
		ch:     make(chan Event, buffer),
		pub:    pub,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine. It drains the queue until Stop is
// called, then delivers any remaining buffered events before returning.
func (e *Emitter) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.dispatch(ctx)
	})
}

// Stop closes the queue and waits for the dispatcher to drain it.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.ch) })
	<-e.done
}

// Emit enqueues an event. It never blocks; if the buffer is full the event is
// dropped and logged.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.logger.Warn("notification buffer full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("auction_id", ev.AuctionID),
		)
	}
}

func (e *Emitter) dispatch(ctx context.Context) {
	defer close(e.done)
	for ev := range e.ch {
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "failed to publish event",
				slog.String("type", string(ev.Type)),
				slog.String("auction_id", ev.AuctionID),
				slog.Any("error", err),
			)
		}
	}
}

// LogPublisher writes events to the structured log. It stands in for a real
// broker in development and tests.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs the event.
func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	p.Logger.InfoContext(ctx, "event published",
		slog.String("type", string(e.Type)),
		slog.String("auction_id", e.AuctionID),
		slog.String("data", string(e.Data)),
	)
	return nil
}
