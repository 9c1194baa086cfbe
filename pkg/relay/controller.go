// Package relay decides whether a received mesh packet is flooded onward,
// with what TTL, and after how much jitter.
//
// The policy is a bounded epidemic flood: TTL decays every hop, fragments and
// dense neighbourhoods get tighter TTL caps, and every rebroadcast waits a
// random delay so neighbours that heard the same packet do not transmit in
// lockstep. There is no routing table.
package relay

import (
	"math/rand/v2"
	"time"
)

// Window is an inclusive jitter range in milliseconds
type Window struct {
	MinMs int `yaml:"min_ms" json:"min_ms"`
	MaxMs int `yaml:"max_ms" json:"max_ms"`
}

// Config holds the tunable relay constants
type Config struct {
	// Jitter windows
	HandshakeJitter Window `yaml:"handshake_jitter" json:"handshake_jitter"`
	FragmentJitter  Window `yaml:"fragment_jitter" json:"fragment_jitter"`
	DenseJitter     Window `yaml:"dense_jitter" json:"dense_jitter"`
	AnnounceJitter  Window `yaml:"announce_jitter" json:"announce_jitter"`
	DefaultJitter   Window `yaml:"default_jitter" json:"default_jitter"`

	// FragmentTTLCap bounds how far fragments travel
	FragmentTTLCap uint8 `yaml:"fragment_ttl_cap" json:"fragment_ttl_cap"`

	// DenseTTLCap bounds the TTL handed on in dense neighbourhoods
	DenseTTLCap uint8 `yaml:"dense_ttl_cap" json:"dense_ttl_cap"`

	// HighDegreeThreshold is the neighbour count treated as dense when the
	// input does not carry its own threshold
	HighDegreeThreshold int `yaml:"high_degree_threshold" json:"high_degree_threshold"`
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		HandshakeJitter:     Window{MinMs: 10, MaxMs: 35},
		FragmentJitter:      Window{MinMs: 8, MaxMs: 60},
		DenseJitter:         Window{MinMs: 60, MaxMs: 200},
		AnnounceJitter:      Window{MinMs: 80, MaxMs: 250},
		DefaultJitter:       Window{MinMs: 50, MaxMs: 150},
		FragmentTTLCap:      5,
		DenseTTLCap:         4,
		HighDegreeThreshold: 6,
	}
}

// Input describes a received packet and the local topology
type Input struct {
	TTL                 uint8
	SenderIsSelf        bool
	IsEncrypted         bool
	IsDirectedEncrypted bool
	IsFragment          bool
	IsDirectedFragment  bool
	IsHandshake         bool
	IsAnnounce          bool
	Degree              int
	HighDegreeThreshold int
}

// Decision is the outcome of Decide
type Decision struct {
	ShouldRelay bool
	NewTTL      uint8
	Delay       time.Duration
}

// DelayMs returns the delay in whole milliseconds
func (d Decision) DelayMs() int {
	return int(d.Delay / time.Millisecond)
}

// Decide applies the default configuration
func Decide(in Input) Decision {
	return DefaultConfig().Decide(in)
}

// Decide returns the relay decision for in. It has no failure case and is
// safe for concurrent use.
func (c Config) Decide(in Input) Decision {
	c = c.withDefaults()

	if in.TTL <= 1 {
		return Decision{ShouldRelay: false, NewTTL: in.TTL}
	}
	if in.SenderIsSelf {
		return Decision{ShouldRelay: false, NewTTL: in.TTL}
	}

	if in.IsHandshake {
		return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, Delay: c.HandshakeJitter.sample()}
	}

	if in.IsFragment || in.IsDirectedFragment {
		ttl := min(in.TTL, c.FragmentTTLCap) - 1
		if ttl == 0 {
			return Decision{ShouldRelay: false, NewTTL: in.TTL}
		}
		return Decision{ShouldRelay: true, NewTTL: ttl, Delay: c.FragmentJitter.sample()}
	}

	// Directed traffic has one destination; capping it would strand it
	if in.IsDirectedEncrypted {
		return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, Delay: c.DefaultJitter.sample()}
	}

	threshold := in.HighDegreeThreshold
	if threshold <= 0 {
		threshold = c.HighDegreeThreshold
	}
	if in.Degree >= threshold {
		return Decision{
			ShouldRelay: true,
			NewTTL:      min(in.TTL-1, c.DenseTTLCap),
			Delay:       c.DenseJitter.sample(),
		}
	}

	if in.IsAnnounce {
		return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, Delay: c.AnnounceJitter.sample()}
	}

	return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, Delay: c.DefaultJitter.sample()}
}

// Validate reports configuration values that can never work
func (c Config) Validate() error {
	for name, w := range map[string]Window{
		"handshake_jitter": c.HandshakeJitter,
		"fragment_jitter":  c.FragmentJitter,
		"dense_jitter":     c.DenseJitter,
		"announce_jitter":  c.AnnounceJitter,
		"default_jitter":   c.DefaultJitter,
	} {
		if w.MinMs < 0 || w.MaxMs < w.MinMs {
			return &ConfigError{Field: name, Reason: "window must satisfy 0 <= min_ms <= max_ms"}
		}
	}
	if c.FragmentTTLCap == 1 {
		return &ConfigError{Field: "fragment_ttl_cap", Reason: "a cap of 1 never relays fragments"}
	}
	return nil
}

// ConfigError describes an invalid relay setting
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "relay config " + e.Field + ": " + e.Reason
}

// withDefaults fills zero-valued fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeJitter == (Window{}) {
		c.HandshakeJitter = d.HandshakeJitter
	}
	if c.FragmentJitter == (Window{}) {
		c.FragmentJitter = d.FragmentJitter
	}
	if c.DenseJitter == (Window{}) {
		c.DenseJitter = d.DenseJitter
	}
	if c.AnnounceJitter == (Window{}) {
		c.AnnounceJitter = d.AnnounceJitter
	}
	if c.DefaultJitter == (Window{}) {
		c.DefaultJitter = d.DefaultJitter
	}
	if c.FragmentTTLCap == 0 {
		c.FragmentTTLCap = d.FragmentTTLCap
	}
	if c.DenseTTLCap == 0 {
		c.DenseTTLCap = d.DenseTTLCap
	}
	if c.HighDegreeThreshold == 0 {
		c.HighDegreeThreshold = d.HighDegreeThreshold
	}
	return c
}

func (w Window) sample() time.Duration {
	lo, hi := w.MinMs, w.MaxMs
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	ms := lo
	if hi > lo {
		ms += rand.IntN(hi - lo + 1)
	}
	return time.Duration(ms) * time.Millisecond
}
