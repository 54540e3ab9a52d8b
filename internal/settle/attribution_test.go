package settle

import "testing"

func TestAttributionRoundTrip(t *testing.T) {
	a := NewAttribution()
	a.Put(42, Tag{Strategy: "reversal", Regime: "trend"})

	tag, ok := a.Take(42)
	if !ok || tag.Strategy != "reversal" || tag.Regime != "trend" {
		t.Fatalf("tag lost: %+v ok=%v", tag, ok)
	}
	if _, ok := a.Take(42); ok {
		t.Fatal("a settled contract must not be attributable twice")
	}
}

func TestAttributionUnknownContract(t *testing.T) {
	a := NewAttribution()
	if _, ok := a.Take(7); ok {
		t.Fatal("unknown contract reported a tag")
	}
}

func TestAttributionLatestPutWins(t *testing.T) {
	a := NewAttribution()
	a.Put(1, Tag{Strategy: "old"})
	a.Put(1, Tag{Strategy: "new"})
	tag, _ := a.Take(1)
	if tag.Strategy != "new" {
		t.Fatalf("stale tag retained: %+v", tag)
	}
}
