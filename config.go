package paralyze

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds configuration for the Coordinator and its workers.
type Config struct {
	// LeaseTTL is the default time-to-live for acquired leases.
	LeaseTTL time.Duration `toml:"lease_ttl"`

	// ClaimTTL is the default time-to-live for task claims.
	ClaimTTL time.Duration `toml:"claim_ttl"`

	// HeartbeatInterval is how often held leases and claims are renewed.
	// Zero means one third of the TTL, the recommended upper bound.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`

	// MaxAttempts is the ceiling on task claim attempts. Once a task has
	// been claimed this many times, the next failure is terminal even if
	// the caller asked for a retry.
	MaxAttempts int `toml:"max_attempts"`

	// ClaimRounds bounds how many candidate batches the claim engine
	// fetches before reporting no work available.
	ClaimRounds int `toml:"claim_rounds"`

	// CandidateBatch is how many claimable rows the engine inspects per
	// round.
	CandidateBatch int `toml:"candidate_batch"`

	// Concurrency is the number of concurrent task processors per worker.
	Concurrency int `toml:"concurrency"`

	// PollInterval is how long a worker waits after finding no work.
	// Jittered backoff stretches it under sustained contention.
	PollInterval time.Duration `toml:"poll_interval"`

	// PollRate caps claim attempts per second across a worker's
	// processors. Zero disables the limiter.
	PollRate float64 `toml:"poll_rate"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:          30 * time.Second,
		ClaimTTL:          30 * time.Second,
		HeartbeatInterval: 0, // TTL/3
		MaxAttempts:       5,
		ClaimRounds:       4,
		CandidateBatch:    8,
		Concurrency:       10,
		PollInterval:      time.Second,
		PollRate:          0,
		ShutdownTimeout:   30 * time.Second,
	}
}

// duration decodes TOML duration strings such as "30s" or "1m30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// fileConfig mirrors Config with string durations for TOML decoding.
type fileConfig struct {
	LeaseTTL          *duration `toml:"lease_ttl"`
	ClaimTTL          *duration `toml:"claim_ttl"`
	HeartbeatInterval *duration `toml:"heartbeat_interval"`
	MaxAttempts       *int      `toml:"max_attempts"`
	ClaimRounds       *int      `toml:"claim_rounds"`
	CandidateBatch    *int      `toml:"candidate_batch"`
	Concurrency       *int      `toml:"concurrency"`
	PollInterval      *duration `toml:"poll_interval"`
	PollRate          *float64  `toml:"poll_rate"`
	ShutdownTimeout   *duration `toml:"shutdown_timeout"`
}

// LoadConfig reads a TOML configuration file, layered over DefaultConfig.
// Durations are strings in Go syntax ("30s", "1m"). Fields absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("paralyze: load config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if fc.LeaseTTL != nil {
		cfg.LeaseTTL = time.Duration(*fc.LeaseTTL)
	}
	if fc.ClaimTTL != nil {
		cfg.ClaimTTL = time.Duration(*fc.ClaimTTL)
	}
	if fc.HeartbeatInterval != nil {
		cfg.HeartbeatInterval = time.Duration(*fc.HeartbeatInterval)
	}
	if fc.MaxAttempts != nil {
		cfg.MaxAttempts = *fc.MaxAttempts
	}
	if fc.ClaimRounds != nil {
		cfg.ClaimRounds = *fc.ClaimRounds
	}
	if fc.CandidateBatch != nil {
		cfg.CandidateBatch = *fc.CandidateBatch
	}
	if fc.Concurrency != nil {
		cfg.Concurrency = *fc.Concurrency
	}
	if fc.PollInterval != nil {
		cfg.PollInterval = time.Duration(*fc.PollInterval)
	}
	if fc.PollRate != nil {
		cfg.PollRate = *fc.PollRate
	}
	if fc.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = time.Duration(*fc.ShutdownTimeout)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot honor.
func (c Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("paralyze: lease_ttl must be positive, got %v", c.LeaseTTL)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("paralyze: claim_ttl must be positive, got %v", c.ClaimTTL)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("paralyze: heartbeat_interval must not be negative, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval > 0 && 3*c.HeartbeatInterval > c.ClaimTTL {
		return fmt.Errorf("paralyze: heartbeat_interval %v exceeds claim_ttl/3", c.HeartbeatInterval)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("paralyze: max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}
