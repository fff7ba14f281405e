// Package ratelimit implements per-connection admission control.
//
// A Limiter is owned by exactly one connection and consulted before every
// broadcast. Two policies share the contract: the adaptive token bucket
// (default), which slows its refill rate as a sender keeps hitting the limit,
// and a plain sliding-window counter. Limiters are not safe for concurrent
// use; the owning connection's read loop is the only caller.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Policy names accepted by New.
const (
	PolicyAdaptive = "adaptive"
	PolicyWindow   = "window"
)

// Limiter admits or refuses one message at a time.
type Limiter interface {
	// TryConsume reports whether one message may be sent now.
	TryConsume() bool
	// PenaltyInfo reports the current penalty, if any, without changing
	// limiter state.
	PenaltyInfo() (PenaltyInfo, bool)
}

// PenaltyInfo tells a throttled client how hard it is being limited.
type PenaltyInfo struct {
	Level       int `json:"level"`
	WaitSeconds int `json:"waitSeconds"`
}

// Config holds the tunables for both policies.
type Config struct {
	Policy string

	// Adaptive bucket.
	Capacity          float64
	BaseRate          float64 // tokens per second at penalty level 0
	PenaltyMultiplier float64
	MaxPenalty        int
	PenaltyDuration   time.Duration
	FailureThreshold  int

	// Sliding window.
	WindowLimit int
	WindowSize  time.Duration
}

// DefaultConfig returns the relay defaults: 5 tokens, 1 token/s, rate halved
// per penalty level up to level 4, penalties decaying after 30s.
func DefaultConfig() Config {
	return Config{
		Policy:            PolicyAdaptive,
		Capacity:          5,
		BaseRate:          1,
		PenaltyMultiplier: 2,
		MaxPenalty:        4,
		PenaltyDuration:   30 * time.Second,
		FailureThreshold:  3,
		WindowLimit:       5,
		WindowSize:        time.Second,
	}
}

// withDefaults replaces non-positive values with DefaultConfig values.
// A multiplier below 1 would make the refill rate grow with the penalty, so
// it is treated as unset as well.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.BaseRate <= 0 {
		c.BaseRate = d.BaseRate
	}
	if c.PenaltyMultiplier < 1 {
		c.PenaltyMultiplier = d.PenaltyMultiplier
	}
	if c.MaxPenalty < 0 {
		c.MaxPenalty = d.MaxPenalty
	}
	if c.PenaltyDuration <= 0 {
		c.PenaltyDuration = d.PenaltyDuration
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.WindowLimit <= 0 {
		c.WindowLimit = d.WindowLimit
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	return c
}

// Option customizes a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now; tests use it to step time explicitly.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a fresh limiter for one connection using cfg.Policy.
func New(cfg Config, opts ...Option) (Limiter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "", PolicyAdaptive:
		return NewAdaptive(cfg, opts...), nil
	case PolicyWindow:
		return NewWindow(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
	}
}
