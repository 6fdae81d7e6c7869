// Package backoff computes exponential retry intervals from persisted attempt
// counters, so a restarted process resumes the same schedule.
package backoff

import (
	"time"
)

// Policy for exponential backoff. Zero values use defaults.
type Policy struct {
	Base time.Duration `yaml:"base"` // default: 10s
	Max  time.Duration `yaml:"max"`  // default: 10m
	Cap  int           `yaml:"cap"`  // largest exponent; default: 6
}

// DefaultPolicy returns the policy used for submission and retrieval retries.
func DefaultPolicy() Policy {
	return Policy{Base: 10 * time.Second, Max: 10 * time.Minute, Cap: 6}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	return p
}

// Interval returns Base × 2^min(attempts, Cap), clamped to Max.
// Attempts below one return Base.
func (p Policy) Interval(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		return p.Base
	}
	exp := attempts
	if exp > p.Cap {
		exp = p.Cap
	}
	d := p.Base
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// NextAttempt returns when the next attempt may run after a failure at last.
func (p Policy) NextAttempt(last time.Time, attempts int) time.Time {
	return last.Add(p.Interval(attempts))
}

// Ready reports whether a retry is due. A nil last attempt is always ready.
func (p Policy) Ready(last *time.Time, attempts int, now time.Time) bool {
	if last == nil {
		return true
	}
	return !now.Before(p.NextAttempt(*last, attempts))
}
