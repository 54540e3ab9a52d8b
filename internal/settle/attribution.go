package settle

import "sync"

// Tag names the strategy and regime that opened a contract.
type Tag struct {
	Strategy string
	Regime   string
}

// Attribution remembers which (strategy, regime) opened each contract so a
// settlement outcome is recorded against the same performance window the
// admission check queried.
type Attribution struct {
	mu         sync.Mutex
	byContract map[int64]Tag
}

func NewAttribution() *Attribution {
	return &Attribution{byContract: make(map[int64]Tag)}
}

// Put records the tag for a freshly committed contract.
func (a *Attribution) Put(contractID int64, tag Tag) {
	a.mu.Lock()
	a.byContract[contractID] = tag
	a.mu.Unlock()
}

// Take returns and removes the contract's tag. A contract settles once, so
// the entry is not needed afterwards.
func (a *Attribution) Take(contractID int64) (Tag, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag, ok := a.byContract[contractID]
	if ok {
		delete(a.byContract, contractID)
	}
	return tag, ok
}
