// Package retry owns reconnect pacing and the outbound queue discipline.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	InitialInterval    time.Duration `yaml:"initial_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	Multiplier         float64       `yaml:"multiplier"`
	Jitter             float64       `yaml:"jitter"`
	StabilityThreshold time.Duration `yaml:"stability_threshold"`
}

func (c *Config) withDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	// Zero takes the default, negative switches jitter off.
	if c.Jitter == 0 {
		c.Jitter = 0.5
	} else if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = 5 * time.Minute
	}
}

// Policy paces reconnect attempts. Intervals grow exponentially and only
// reset after a connection survived the stability threshold, so a server
// that accepts connections and immediately drops them still sees the agent
// back off. A server-supplied retry hint overrides exactly one interval.
type Policy struct {
	mu        sync.Mutex
	bo        *backoff.ExponentialBackOff
	stability time.Duration
	override  time.Duration
}

func NewPolicy(cfg Config) *Policy {
	cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Policy{bo: bo, stability: cfg.StabilityThreshold}
}

// Next returns how long to wait before the next connection attempt.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.override > 0 {
		d := p.override
		p.override = 0
		return d
	}
	return p.bo.NextBackOff()
}

// NoteSuccess records how long the last connection lasted. Short-lived
// connections keep the current backoff progression.
func (p *Policy) NoteSuccess(connectedFor time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if connectedFor >= p.stability {
		p.bo.Reset()
	}
}

// SetServerDelay installs a one-shot interval the server asked for in a
// retry hint.
func (p *Policy) SetServerDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override = d
}

func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override = 0
	p.bo.Reset()
}
