package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/quantal/execore/internal/store"
)

func TestKillSwitchScopes(t *testing.T) {
	k := NewKillSwitch(store.NewMemory())
	ctx := context.Background()

	if active, _ := k.Active("acct1"); active {
		t.Fatal("fresh switch should be clear")
	}

	k.Trigger(ctx, "acct1", "loss_runaway", false)
	if active, reason := k.Active("acct1"); !active || reason != "loss_runaway" {
		t.Fatalf("account switch not active: %v %q", active, reason)
	}
	if active, _ := k.Active("acct2"); active {
		t.Fatal("account switch leaked to another account")
	}

	k.Trigger(ctx, ScopeGlobal, "venue_incident", true)
	if active, reason := k.Active("acct2"); !active || reason != "venue_incident" {
		t.Fatalf("global switch should cover every account: %v %q", active, reason)
	}

	k.Clear(ctx, ScopeGlobal)
	if active, _ := k.Active("acct2"); active {
		t.Fatal("global clear should release unaffected accounts")
	}
	if active, _ := k.Active("acct1"); !active {
		t.Fatal("account switch must survive a global clear")
	}
}

func TestKillSwitchRestores(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	k1 := NewKillSwitch(st)
	k1.Trigger(ctx, "acct1", "manual stop", true)

	k2 := NewKillSwitch(st)
	if err := k2.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if active, reason := k2.Active("acct1"); !active || reason != "manual stop" {
		t.Fatalf("state lost across restart: %v %q", active, reason)
	}
}

func TestKillSwitchSurvivesPersistFailure(t *testing.T) {
	st := store.NewMemory()
	st.FailUpserts = errors.New("disk full")
	k := NewKillSwitch(st)

	// in-memory state is authoritative even when the store is down
	k.Trigger(context.Background(), ScopeGlobal, "emergency", true)
	if active, _ := k.Active("any"); !active {
		t.Fatal("trigger must take effect despite persist failure")
	}
}
