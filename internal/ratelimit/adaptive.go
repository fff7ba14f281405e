package ratelimit

import (
	"math"
	"time"
)

// Adaptive is a token bucket whose refill rate drops as the penalty level
// rises. Every FailureThreshold consecutive refusals raise the level by one,
// up to MaxPenalty; a successful consume clears the strike count but keeps
// the level. The level falls back to zero once PenaltyDuration has passed
// since the last escalation.
type Adaptive struct {
	capacity         float64
	baseRate         float64
	multiplier       float64
	maxPenalty       int
	penaltyDuration  time.Duration
	failureThreshold int
	now              func() time.Time

	tokens              float64
	lastRefill          time.Time
	penaltyLevel        int
	lastPenalty         time.Time
	consecutiveFailures int
}

// NewAdaptive returns a full bucket with no penalty.
func NewAdaptive(cfg Config, opts ...Option) *Adaptive {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	return &Adaptive{
		capacity:         cfg.Capacity,
		baseRate:         cfg.BaseRate,
		multiplier:       cfg.PenaltyMultiplier,
		maxPenalty:       cfg.MaxPenalty,
		penaltyDuration:  cfg.PenaltyDuration,
		failureThreshold: cfg.FailureThreshold,
		now:              o.now,
		tokens:           cfg.Capacity,
		lastRefill:       o.now(),
	}
}

// TryConsume refills the bucket for the time elapsed since the previous call
// and takes one token if available.
func (a *Adaptive) TryConsume() bool {
	now := a.now()
	elapsed := elapsedSeconds(a.lastRefill, now)

	if a.penaltyExpired(now) {
		a.penaltyLevel = 0
		a.consecutiveFailures = 0
	}

	a.tokens = math.Min(a.capacity, a.tokens+elapsed*a.rate(a.penaltyLevel))
	a.lastRefill = now

	if a.tokens >= 1 {
		a.tokens--
		a.consecutiveFailures = 0
		return true
	}

	a.consecutiveFailures++
	if a.consecutiveFailures >= a.failureThreshold {
		if a.penaltyLevel < a.maxPenalty {
			a.penaltyLevel++
		}
		a.lastPenalty = now
		a.consecutiveFailures = 0
	}
	return false
}

// PenaltyInfo projects the bucket to the current time without writing back.
// It reports false when no penalty is in force, including one that is due to
// decay on the next TryConsume.
func (a *Adaptive) PenaltyInfo() (PenaltyInfo, bool) {
	now := a.now()

	level := a.penaltyLevel
	if a.penaltyExpired(now) {
		level = 0
	}
	if level == 0 {
		return PenaltyInfo{}, false
	}

	rate := a.rate(level)
	tokens := math.Min(a.capacity, a.tokens+elapsedSeconds(a.lastRefill, now)*rate)

	wait := 0
	if missing := 1 - tokens; missing > 0 {
		wait = int(math.Ceil(missing / rate))
	}
	return PenaltyInfo{Level: level, WaitSeconds: wait}, true
}

func (a *Adaptive) penaltyExpired(now time.Time) bool {
	return a.penaltyLevel > 0 && now.Sub(a.lastPenalty) > a.penaltyDuration
}

// rate is baseRate / multiplier^level tokens per second.
func (a *Adaptive) rate(level int) float64 {
	return a.baseRate / math.Pow(a.multiplier, float64(level))
}

func elapsedSeconds(from, to time.Time) float64 {
	elapsed := to.Sub(from).Seconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
