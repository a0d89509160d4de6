package wire

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport timeouts and retry defaults.
type Config struct {
	DialTimeout time.Duration
	// CallTimeout applies when the caller's context carries no deadline.
	CallTimeout time.Duration
	// IdleTimeout closes server connections that send nothing.
	IdleTimeout time.Duration
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		CallTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}
