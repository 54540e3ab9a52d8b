package store

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS risk_snapshots (
	account       TEXT PRIMARY KEY,
	equity        REAL NOT NULL,
	high_water    REAL NOT NULL,
	daily_loss    REAL NOT NULL,
	daily_profit  REAL NOT NULL,
	consec_losses INTEGER NOT NULL,
	consec_wins   INTEGER NOT NULL,
	open_count    INTEGER NOT NULL,
	open_exposure REAL NOT NULL,
	day           TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS kill_switches (
	scope        TEXT PRIMARY KEY,
	active       INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	manual       INTEGER NOT NULL,
	triggered_at TIMESTAMP NOT NULL
);`

// SQLite implements Store on a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots
		(account, equity, high_water, daily_loss, daily_profit, consec_losses, consec_wins, open_count, open_exposure, day, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			equity=excluded.equity, high_water=excluded.high_water,
			daily_loss=excluded.daily_loss, daily_profit=excluded.daily_profit,
			consec_losses=excluded.consec_losses, consec_wins=excluded.consec_wins,
			open_count=excluded.open_count, open_exposure=excluded.open_exposure,
			day=excluded.day, updated_at=excluded.updated_at`,
		snap.Account, snap.Equity, snap.HighWater, snap.DailyLoss, snap.DailyProfit,
		snap.ConsecLosses, snap.ConsecWins, snap.OpenCount, snap.OpenExposure,
		snap.Day, snap.UpdatedAt,
	)
	return err
}

func (s *SQLite) GetSnapshot(ctx context.Context, account string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT account, equity, high_water, daily_loss, daily_profit, consec_losses,
		       consec_wins, open_count, open_exposure, day, updated_at
		FROM risk_snapshots WHERE account = ?`, account).Scan(
		&snap.Account, &snap.Equity, &snap.HighWater, &snap.DailyLoss, &snap.DailyProfit,
		&snap.ConsecLosses, &snap.ConsecWins, &snap.OpenCount, &snap.OpenExposure,
		&snap.Day, &snap.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLite) UpsertKillSwitch(ctx context.Context, r KillSwitchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kill_switches (scope, active, reason, manual, triggered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			active=excluded.active, reason=excluded.reason,
			manual=excluded.manual, triggered_at=excluded.triggered_at`,
		r.Scope, r.Active, r.Reason, r.Manual, r.TriggeredAt,
	)
	return err
}

func (s *SQLite) GetKillSwitch(ctx context.Context, scope string) (KillSwitchRecord, bool, error) {
	var r KillSwitchRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, active, reason, manual, triggered_at
		FROM kill_switches WHERE scope = ?`, scope).Scan(
		&r.Scope, &r.Active, &r.Reason, &r.Manual, &r.TriggeredAt,
	)
	if err == sql.ErrNoRows {
		return KillSwitchRecord{}, false, nil
	}
	if err != nil {
		return KillSwitchRecord{}, false, err
	}
	return r, true, nil
}

func (s *SQLite) ListKillSwitches(ctx context.Context) ([]KillSwitchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, active, reason, manual, triggered_at FROM kill_switches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KillSwitchRecord
	for rows.Next() {
		var r KillSwitchRecord
		if err := rows.Scan(&r.Scope, &r.Active, &r.Reason, &r.Manual, &r.TriggeredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
