package settle

import (
	"encoding/json"
	"sync"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/session"
	"github.com/quantal/execore/internal/venue"
)

// Spot tracks the latest streamed price per watched symbol and exports it
// as a gauge for latency and staleness checks.
type Spot struct {
	mu   sync.RWMutex
	last map[string]venue.TickEvent
}

func NewSpot() *Spot {
	return &Spot{last: make(map[string]venue.TickEvent)}
}

// Watch subscribes the session to live ticks for each symbol, resubscribes
// after reconnects, and consumes the stream until the session closes.
func (sp *Spot) Watch(s *session.Session, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	subscribe := func() {
		for _, sym := range symbols {
			if err := s.Notify(venue.SubscribeTicksPayload(sym)); err != nil {
				observ.Warn("tick_subscribe_failed", map[string]any{
					"account": s.Account(), "symbol": sym, "err": err.Error(),
				})
			}
		}
	}
	subscribe()
	s.OnReconnect(subscribe)

	go sp.consume(s.Listen(venue.StreamTick))
}

// Last returns the most recent tick for symbol, if any has arrived.
func (sp *Spot) Last(symbol string) (venue.TickEvent, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	t, ok := sp.last[symbol]
	return t, ok
}

func (sp *Spot) consume(ch <-chan json.RawMessage) {
	for raw := range ch {
		var frame struct {
			Tick venue.TickEvent `json:"tick"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Tick.Symbol == "" {
			continue
		}
		sp.mu.Lock()
		sp.last[frame.Tick.Symbol] = frame.Tick
		sp.mu.Unlock()
		observ.SetGauge("venue_spot", frame.Tick.Quote, map[string]string{
			"symbol": frame.Tick.Symbol,
		})
	}
}
