package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
)

// Class partitions venue traffic so one operation type cannot starve
// another. The venue enforces its own per-connection limits; shaping
// locally avoids disconnection.
type Class string

const (
	ClassQuote     Class = "quote"
	ClassCommit    Class = "commit"
	ClassSubscribe Class = "subscribe"
	ClassCancel    Class = "cancel"
)

// BucketSpec configures one operation class.
type BucketSpec struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// Config holds the per-class bucket shapes and the bounded blocking wait.
type Config struct {
	Quote     BucketSpec `yaml:"quote"`
	Commit    BucketSpec `yaml:"commit"`
	Subscribe BucketSpec `yaml:"subscribe"`
	Cancel    BucketSpec `yaml:"cancel"`
	MaxWaitMs int        `yaml:"max_wait_ms"`
}

// Defaults fills zero-valued fields.
func (c *Config) Defaults() {
	fill := func(s *BucketSpec, r float64, b int) {
		if s.RatePerSec == 0 {
			s.RatePerSec = r
		}
		if s.Burst == 0 {
			s.Burst = b
		}
	}
	fill(&c.Quote, 2, 4)
	fill(&c.Commit, 1, 2)
	fill(&c.Subscribe, 1, 4)
	fill(&c.Cancel, 1, 2)
	if c.MaxWaitMs == 0 {
		c.MaxWaitMs = 1500
	}
}

type bucketKey struct {
	account string
	class   Class
}

// Set owns independent buckets per (account, class), created lazily.
type Set struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[bucketKey]*Bucket
}

// NewSet creates the limiter registry.
func NewSet(cfg Config) *Set {
	cfg.Defaults()
	return &Set{cfg: cfg, buckets: make(map[bucketKey]*Bucket)}
}

// Bucket returns the bucket for an account and class, creating it on first
// use.
func (s *Set) Bucket(account string, class Class) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := bucketKey{account, class}
	if b, ok := s.buckets[k]; ok {
		return b
	}
	spec := s.spec(class)
	b := NewBucket(spec.RatePerSec, spec.Burst)
	s.buckets[k] = b
	return b
}

// Acquire consumes one token for the class, waiting up to the configured
// max wait. On exhaustion it returns the throttle error from the bucket.
func (s *Set) Acquire(ctx context.Context, account string, class Class) error {
	err := s.Bucket(account, class).WaitFor(ctx, 1, time.Duration(s.cfg.MaxWaitMs)*time.Millisecond)
	if err != nil {
		observ.IncCounter("ratelimit_throttled_total", map[string]string{
			"account": account, "class": string(class),
		})
	}
	return err
}

func (s *Set) spec(class Class) BucketSpec {
	switch class {
	case ClassCommit:
		return s.cfg.Commit
	case ClassSubscribe:
		return s.cfg.Subscribe
	case ClassCancel:
		return s.cfg.Cancel
	default:
		return s.cfg.Quote
	}
}
