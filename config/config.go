// Package config implements the node's TOML configuration (dsnet spec
// §4.9, §5): server endpoints, the query encoding in use, reconnect and
// cover-traffic tuning, and the ambient logging/data-directory
// settings every component's constructor takes. Adapted from the
// teacher's config/config.go FromFile/validate shape, switched to
// BurntSushi/toml (the pack's pinned TOML library) in place of the
// teacher's pelletier/go-toml.
package config

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults mirror the teacher's config package's use of named debug
// constants rather than bare literals scattered through the code.
const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultRetrieveTimeout      = 60 * time.Second
)

// CoverTraffic tunes the rate-shaped cover-traffic sender (sender.QueueSender)
// and the probabilistic-cover retriever variant.
type CoverTraffic struct {
	Enabled             bool
	ArrivalRateSeconds  float64 // mean inter-tick interval, seconds
	RetrieveProbability float64 // P(issue cover fetch) on a local prefix miss
}

// Logging configures the katzenpost/core/log backend every component
// constructor takes, the same three knobs initLogging() reads in the
// teacher's client.go.
type Logging struct {
	Level   string
	Disable bool
	File    string
}

// Config is the node's full runtime configuration.
type Config struct {
	ServerURL             string
	TokenServerURL        string
	QueryType             string // "CLEARTEXT" or "DPSI"
	ReconnectDelaySeconds float64
	MaxConsecutiveErrors  int
	DataDir               string
	PeersFile             string // optional newline-delimited hex-key bootstrap file (peers.LoadFile)
	CoverTraffic          CoverTraffic
	Logging               Logging
}

// ErrMissingServerURL and friends flag incomplete configuration before
// any component is constructed from it.
var (
	ErrMissingServerURL = errors.New("config: ServerURL is required")
	ErrMissingDataDir   = errors.New("config: DataDir is required")
	ErrInvalidQueryType = errors.New("config: QueryType must be CLEARTEXT or DPSI")
)

// FromFile parses and validates a TOML configuration file.
func FromFile(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.ReconnectDelaySeconds == 0 {
		c.ReconnectDelaySeconds = DefaultReconnectDelay.Seconds()
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "NOTICE"
	}
}

// Validate checks the invariants every constructor downstream assumes.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	switch c.QueryType {
	case "CLEARTEXT", "DPSI":
	default:
		return ErrInvalidQueryType
	}
	return nil
}

// ReconnectDelay is ReconnectDelaySeconds as a time.Duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds * float64(time.Second))
}

// CoverTrafficDistribution returns the exponential inter-tick
// distribution the teacher's poisson-process cover traffic uses (its
// session.go pTimer field), parameterized by the configured mean
// arrival rate (dsnet spec §5 "sleep(distribution())"). No poisson
// package is available outside the teacher's own module graph, so the
// exponential draw is taken directly from math/rand.ExpFloat64.
func (c *Config) CoverTrafficDistribution() func() time.Duration {
	mean := c.CoverTraffic.ArrivalRateSeconds
	if mean <= 0 {
		mean = 1.0
	}
	return func() time.Duration {
		return time.Duration(mean * float64(time.Second) * mrand.ExpFloat64())
	}
}
