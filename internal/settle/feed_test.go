package settle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func runFeed(t *testing.T) *Feed {
	t.Helper()
	f := NewFeed(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.Run(ctx)
	return f
}

func soldFrame(contractID int64, buy, payout, profit float64) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"msg_type": "proposal_open_contract",
		"proposal_open_contract": map[string]any{
			"contract_id": contractID,
			"underlying":  "R_100",
			"buy_price":   buy,
			"payout":      payout,
			"profit":      profit,
			"is_sold":     1,
			"sell_time":   1700000000,
		},
	})
	return raw
}

func TestFeedDecodesSettlement(t *testing.T) {
	f := runFeed(t)
	got := make(chan Event, 1)
	f.Subscribe(func(ev Event) { got <- ev })

	ch := make(chan json.RawMessage, 4)
	go f.consume("acct1", ch)
	ch <- soldFrame(42, 10, 18.5, 8.5)
	close(ch)

	select {
	case ev := <-got:
		if ev.Account != "acct1" || ev.ContractID != 42 || ev.Symbol != "R_100" {
			t.Fatalf("bad event: %+v", ev)
		}
		if ev.Stake != 10 || ev.Payout != 8.5 || ev.Profit != 8.5 {
			t.Fatalf("stake/payout wrong: %+v", ev)
		}
		if ev.SoldAt.Unix() != 1700000000 {
			t.Fatalf("sell time wrong: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("settlement never delivered")
	}
}

func TestFeedIgnoresOpenContracts(t *testing.T) {
	f := runFeed(t)
	got := make(chan Event, 1)
	f.Subscribe(func(ev Event) { got <- ev })

	openFrame, _ := json.Marshal(map[string]any{
		"proposal_open_contract": map[string]any{
			"contract_id": int64(42), "is_sold": 0, "buy_price": 10,
		},
	})
	ch := make(chan json.RawMessage, 4)
	go f.consume("acct1", ch)
	ch <- openFrame
	ch <- soldFrame(43, 10, 18.5, -10)
	close(ch)

	ev := <-got
	if ev.ContractID != 43 {
		t.Fatalf("unsold contract leaked through: %+v", ev)
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedSinksRunIndependently(t *testing.T) {
	f := runFeed(t)

	var mu sync.Mutex
	var order []string
	f.Subscribe(func(Event) { panic("sink one is broken") })
	f.Subscribe(func(Event) {
		mu.Lock()
		order = append(order, "two")
		mu.Unlock()
	})

	ch := make(chan json.RawMessage, 2)
	go f.consume("acct1", ch)
	ch <- soldFrame(1, 10, 18.5, 8.5)
	ch <- soldFrame(2, 10, 18.5, -10)
	close(ch)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("healthy sink starved by panicking neighbor, saw %d events", n)
		}
		time.Sleep(time.Millisecond)
	}
}
