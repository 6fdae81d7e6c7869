package lifecycle

import (
	"time"

	"github.com/me/calcjob/internal/backoff"
)

// Config holds the knobs of the state machine. It is passed explicitly to
// every Machine; there is no package-level default state.
type Config struct {
	// PollInterval is the minimum time between two status queries of the
	// same job. Ticks in between are no-ops.
	PollInterval time.Duration `yaml:"poll_interval"`

	SubmitBackoff   backoff.Policy `yaml:"submit_backoff"`
	RetrieveBackoff backoff.Policy `yaml:"retrieve_backoff"`

	// MaxSubmitAttempts bounds transient submission failures.
	MaxSubmitAttempts int `yaml:"max_submit_attempts"`
	// MaxRetrieveAttempts bounds transient retrieval failures.
	MaxRetrieveAttempts int `yaml:"max_retrieve_attempts"`
	// MaxUnknownPolls bounds consecutive UNKNOWN statuses (or failed queries).
	MaxUnknownPolls int `yaml:"max_unknown_polls"`

	// CallTimeout bounds every Transport, Scheduler and Parser call.
	// Expiry is a transient failure.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        30 * time.Second,
		SubmitBackoff:       backoff.DefaultPolicy(),
		RetrieveBackoff:     backoff.DefaultPolicy(),
		MaxSubmitAttempts:   5,
		MaxRetrieveAttempts: 5,
		MaxUnknownPolls:     10,
		CallTimeout:         2 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = d.MaxSubmitAttempts
	}
	if c.MaxRetrieveAttempts <= 0 {
		c.MaxRetrieveAttempts = d.MaxRetrieveAttempts
	}
	if c.MaxUnknownPolls <= 0 {
		c.MaxUnknownPolls = d.MaxUnknownPolls
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}
