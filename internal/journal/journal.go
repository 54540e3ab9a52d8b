// Package journal keeps an append-only jsonl audit trail of execution
// activity: admissions, committed orders, settlements. The file is the
// record of what the process actually did, independent of the venue's own
// statements.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
)

// Entry is one journal line.
type Entry struct {
	Type    string          `json:"type"` // order | reject | settlement
	Account string          `json:"account"`
	Key     string          `json:"key,omitempty"` // idempotency key for orders
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// Journal appends entries to a jsonl file and answers recent-duplicate
// checks for order idempotency.
type Journal struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	recent       map[string]time.Time // key -> last order write
}

// Open creates the journal file's directory if needed and primes the
// dedupe index from entries still inside the window.
func Open(path string, dedupeWindowSecs int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	j := &Journal{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
		recent:       make(map[string]time.Time),
	}
	if err := j.prime(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) prime() error {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-j.dedupeWindow)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // a torn tail line is not fatal
		}
		if e.Type == "order" && e.Key != "" && e.At.After(cutoff) {
			j.recent[e.Key] = e.At
		}
	}
	return sc.Err()
}

// WriteOrder records a committed order under its idempotency key.
func (j *Journal) WriteOrder(account, key string, data any) error {
	return j.append("order", account, key, data)
}

// WriteReject records an admission or execution rejection.
func (j *Journal) WriteReject(account string, data any) error {
	return j.append("reject", account, "", data)
}

// WriteSettlement records a settled contract.
func (j *Journal) WriteSettlement(account string, data any) error {
	return j.append("settlement", account, "", data)
}

// HasRecentOrder reports whether an order with this key was journaled
// inside the dedupe window. Used to suppress duplicate submissions after a
// caller-side retry storm.
func (j *Journal) HasRecentOrder(key string) bool {
	now := time.Now().UTC()
	j.mu.Lock()
	defer j.mu.Unlock()
	at, ok := j.recent[key]
	if !ok {
		return false
	}
	if now.Sub(at) > j.dedupeWindow {
		delete(j.recent, key)
		return false
	}
	return true
}

func (j *Journal) append(kind, account, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	line, err := json.Marshal(Entry{Type: kind, Account: account, Key: key, Data: raw, At: now})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.IncCounter("journal_write_errors_total", nil)
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		observ.IncCounter("journal_write_errors_total", nil)
		return err
	}
	if kind == "order" && key != "" {
		j.recent[key] = now
	}
	return nil
}
