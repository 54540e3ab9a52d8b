package risk

import (
	"context"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/store"
)

// ScopeGlobal is the kill-switch scope that halts every account.
const ScopeGlobal = "global"

type switchState struct {
	active      bool
	reason      string
	manual      bool
	triggeredAt time.Time
}

// KillSwitch is the hard stop on new trades, per account plus one global
// instance. Manual triggers never expire on their own; someone has to clear
// them. State survives restarts through the store.
type KillSwitch struct {
	mu     sync.Mutex
	st     store.Store
	states map[string]switchState
}

// NewKillSwitch creates an all-clear kill switch backed by the store.
func NewKillSwitch(st store.Store) *KillSwitch {
	return &KillSwitch{st: st, states: make(map[string]switchState)}
}

// Restore loads persisted switch state after a restart.
func (k *KillSwitch) Restore(ctx context.Context) error {
	records, err := k.st.ListKillSwitches(ctx)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, r := range records {
		k.states[r.Scope] = switchState{
			active:      r.Active,
			reason:      r.Reason,
			manual:      r.Manual,
			triggeredAt: r.TriggeredAt,
		}
	}
	return nil
}

// Trigger activates the switch for a scope ("global" or an account id).
func (k *KillSwitch) Trigger(ctx context.Context, scope, reason string, manual bool) {
	now := time.Now().UTC()
	k.mu.Lock()
	k.states[scope] = switchState{active: true, reason: reason, manual: manual, triggeredAt: now}
	k.mu.Unlock()

	observ.Error("kill_switch_triggered", map[string]any{
		"scope": scope, "reason": reason, "manual": manual,
	})
	observ.IncCounter("kill_switch_triggers_total", map[string]string{"scope": scope})
	k.persist(ctx, scope, switchState{active: true, reason: reason, manual: manual, triggeredAt: now})
}

// Clear deactivates the switch for a scope.
func (k *KillSwitch) Clear(ctx context.Context, scope string) {
	now := time.Now().UTC()
	k.mu.Lock()
	k.states[scope] = switchState{triggeredAt: now}
	k.mu.Unlock()

	observ.Log("kill_switch_cleared", map[string]any{"scope": scope})
	k.persist(ctx, scope, switchState{triggeredAt: now})
}

// Active reports the effective state for an account: its own switch OR the
// global one.
func (k *KillSwitch) Active(account string) (bool, string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.states[ScopeGlobal]; ok && s.active {
		return true, s.reason
	}
	if s, ok := k.states[account]; ok && s.active {
		return true, s.reason
	}
	return false, ""
}

func (k *KillSwitch) persist(ctx context.Context, scope string, s switchState) {
	err := k.st.UpsertKillSwitch(ctx, store.KillSwitchRecord{
		Scope:       scope,
		Active:      s.active,
		Reason:      s.reason,
		Manual:      s.manual,
		TriggeredAt: s.triggeredAt,
	})
	if err != nil {
		// the in-memory state is already authoritative; persistence is
		// only for restart recovery
		observ.Warn("kill_switch_persist_failed", map[string]any{
			"scope": scope, "error": err.Error(),
		})
	}
}
