// Package config loads and defaults the daemon's yaml configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantal/execore/internal/exec"
	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/ratelimit"
	"github.com/quantal/execore/internal/risk"
	"github.com/quantal/execore/internal/session"
)

// Account is one trading identity. The token may be given inline or
// referenced by environment variable; the env reference wins so yaml files
// stay shareable.
type Account struct {
	ID       string `yaml:"id"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type Root struct {
	StorePath        string             `yaml:"store_path"`
	MetricsAddr      string             `yaml:"metrics_addr"`
	JournalPath      string             `yaml:"journal_path"`
	JournalDedupeSec int                `yaml:"journal_dedupe_sec"`
	WatchSymbols     []string           `yaml:"watch_symbols"`
	Accounts         []Account          `yaml:"accounts"`
	Session          session.Config     `yaml:"session"`
	RateLimits       ratelimit.Config   `yaml:"rate_limits"`
	Risk             risk.Config        `yaml:"risk"`
	EVGate           risk.EVConfig      `yaml:"ev_gate"`
	Exec             exec.Config        `yaml:"exec"`
	Breaker          exec.BreakerConfig `yaml:"breaker"`
	Logging          observ.LogConfig   `yaml:"logging"`
}

// Load reads path, applies defaults, and resolves env token references.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.resolveTokens(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = "data/execore.db"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":8091"
	}
	if c.JournalPath == "" {
		c.JournalPath = "data/journal.jsonl"
	}
	if c.JournalDedupeSec == 0 {
		c.JournalDedupeSec = 90
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Session.Defaults()
	c.RateLimits.Defaults()
	c.Risk.Defaults()
	c.EVGate.Defaults()
	c.Exec.Defaults()
	c.Breaker.Defaults()
}

func (c *Root) resolveTokens() error {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.TokenEnv != "" {
			if v := os.Getenv(a.TokenEnv); v != "" {
				a.Token = v
			}
		}
		if a.ID == "" {
			return fmt.Errorf("account %d: missing id", i)
		}
		if a.Token == "" {
			return fmt.Errorf("account %s: no token (set token or %s)", a.ID, a.TokenEnv)
		}
	}
	return nil
}
