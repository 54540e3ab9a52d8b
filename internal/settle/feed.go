// Package settle turns the venue's open-contract stream into settlement
// events and fans them out to the risk and edge trackers.
package settle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/session"
	"github.com/quantal/execore/internal/venue"
)

// Event is one settled contract. Stake is the amount paid at commit;
// Payout is the net win amount on top of the stake; Profit is the signed
// realized result (negative on a loss).
type Event struct {
	Account    string
	Symbol     string
	ContractID int64
	Stake      float64
	Payout     float64
	Profit     float64
	SoldAt     time.Time
}

// Sink receives every settlement. Sinks run independently: a panic in one
// never starves the others.
type Sink func(Event)

// Feed subscribes to the open-contract stream of each attached session and
// delivers settlements to its sinks.
type Feed struct {
	mu     sync.Mutex
	sinks  []Sink
	events chan Event
}

// NewFeed builds a feed with the given delivery buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 128
	}
	return &Feed{events: make(chan Event, buffer)}
}

// Subscribe registers a sink. Must be called before Run.
func (f *Feed) Subscribe(sink Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Attach wires a session into the feed: it subscribes to the contract
// stream now, resubscribes after every reconnect, and decodes frames until
// the session's stream channel closes.
func (f *Feed) Attach(s *session.Session) {
	if err := s.Notify(venue.SubscribeContractsPayload()); err != nil {
		observ.Warn("settle_subscribe_failed", map[string]any{
			"account": s.Account(), "err": err.Error(),
		})
	}
	s.OnReconnect(func() {
		if err := s.Notify(venue.SubscribeContractsPayload()); err != nil {
			observ.Warn("settle_resubscribe_failed", map[string]any{
				"account": s.Account(), "err": err.Error(),
			})
		}
	})

	ch := s.Listen(venue.StreamContract)
	go f.consume(s.Account(), ch)
}

func (f *Feed) consume(account string, ch <-chan json.RawMessage) {
	for raw := range ch {
		var frame struct {
			Contract venue.ContractUpdate `json:"proposal_open_contract"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			observ.IncCounter("settle_bad_frames_total", map[string]string{"account": account})
			continue
		}
		c := frame.Contract
		if c.IsSold == 0 || c.ContractID == 0 {
			continue
		}
		f.events <- Event{
			Account:    account,
			Symbol:     c.Underlying,
			ContractID: c.ContractID,
			Stake:      c.BuyPrice,
			Payout:     c.Payout - c.BuyPrice,
			Profit:     c.Profit,
			SoldAt:     time.Unix(c.SellTime, 0).UTC(),
		}
	}
}

// Run delivers events until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			f.deliver(ev)
		}
	}
}

func (f *Feed) deliver(ev Event) {
	f.mu.Lock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()

	observ.IncCounter("settle_events_total", map[string]string{"account": ev.Account})
	for _, sink := range sinks {
		f.safeDeliver(sink, ev)
	}
}

func (f *Feed) safeDeliver(sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("settle_sink_panic", map[string]any{
				"account": ev.Account, "contract_id": ev.ContractID, "panic": r,
			})
		}
	}()
	sink(ev)
}
