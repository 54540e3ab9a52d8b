package store

import (
	"context"
	"time"
)

// Snapshot is the durable view of one account's risk state. It seeds the
// in-memory risk cache on first use and is upserted after mutations.
type Snapshot struct {
	Account      string
	Equity       float64
	HighWater    float64
	DailyLoss    float64
	DailyProfit  float64
	ConsecLosses int
	ConsecWins   int
	OpenCount    int
	OpenExposure float64
	Day          string // UTC date key, "2006-01-02"
	UpdatedAt    time.Time
}

// KillSwitchRecord persists kill-switch state for restart recovery. Scope is
// an account id or "global".
type KillSwitchRecord struct {
	Scope       string
	Active      bool
	Reason      string
	Manual      bool
	TriggeredAt time.Time
}

// Store is the durable boundary: upsert-by-key and point-lookup-by-key
// only. The schema behind it is nobody else's business.
type Store interface {
	UpsertSnapshot(ctx context.Context, s Snapshot) error
	GetSnapshot(ctx context.Context, account string) (Snapshot, bool, error)
	UpsertKillSwitch(ctx context.Context, r KillSwitchRecord) error
	GetKillSwitch(ctx context.Context, scope string) (KillSwitchRecord, bool, error)
	ListKillSwitches(ctx context.Context) ([]KillSwitchRecord, error)
	Close() error
}
