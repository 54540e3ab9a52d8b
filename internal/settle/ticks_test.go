package settle

import (
	"encoding/json"
	"testing"
	"time"
)

func tickFrame(symbol string, quote float64, epoch int64) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"msg_type": "tick",
		"tick": map[string]any{
			"symbol": symbol,
			"quote":  quote,
			"epoch":  epoch,
		},
	})
	return raw
}

func TestSpotTracksLatestTick(t *testing.T) {
	sp := NewSpot()
	ch := make(chan json.RawMessage, 4)
	done := make(chan struct{})
	go func() { sp.consume(ch); close(done) }()

	ch <- tickFrame("R_100", 1234.5, 1700000000)
	ch <- tickFrame("R_100", 1236.0, 1700000002)
	ch <- tickFrame("R_50", 98.7, 1700000001)
	close(ch)
	<-done

	tick, ok := sp.Last("R_100")
	if !ok || tick.Quote != 1236.0 || tick.Epoch != 1700000002 {
		t.Fatalf("latest tick not retained: %+v ok=%v", tick, ok)
	}
	if tick, ok := sp.Last("R_50"); !ok || tick.Quote != 98.7 {
		t.Fatalf("per-symbol tick wrong: %+v ok=%v", tick, ok)
	}
	if _, ok := sp.Last("R_25"); ok {
		t.Fatal("unwatched symbol reported a tick")
	}
}

func TestSpotSkipsMalformedFrames(t *testing.T) {
	sp := NewSpot()
	ch := make(chan json.RawMessage, 4)
	done := make(chan struct{})
	go func() { sp.consume(ch); close(done) }()

	ch <- json.RawMessage(`{"tick":{}}`)
	ch <- json.RawMessage(`not json`)
	ch <- tickFrame("R_100", 1234.5, time.Now().Unix())
	close(ch)
	<-done

	if _, ok := sp.Last(""); ok {
		t.Fatal("empty-symbol frame stored")
	}
	if _, ok := sp.Last("R_100"); !ok {
		t.Fatal("valid tick lost after malformed frames")
	}
}
