package mesh

import (
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/relay"
)

// Config holds the node tunables
type Config struct {
	// Wire version of locally originated packets (1 or 2)
	Version uint8 `yaml:"version" json:"version"`

	// TTL given to locally originated packets
	TTL uint8 `yaml:"ttl" json:"ttl"`

	// Padding pads frames to the codec's bucket sizes when they still fit the MTU
	Padding bool `yaml:"padding" json:"padding"`

	// SignBroadcasts signs public messages with the node signing key.
	// Announces and leaves are always signed.
	SignBroadcasts bool `yaml:"sign_broadcasts" json:"sign_broadcasts"`

	Nickname string `yaml:"nickname" json:"nickname"`

	AnnounceInterval time.Duration `yaml:"announce_interval" json:"announce_interval"`

	// HandshakeTimeout drops handshakes that have not completed in time
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// PeerTimeout forgets peers that have not announced in time
	PeerTimeout time.Duration `yaml:"peer_timeout" json:"peer_timeout"`

	// RehandshakeAfterFailures is the number of consecutive decrypt
	// failures from one peer after which the session is rebuilt
	RehandshakeAfterFailures int `yaml:"rehandshake_after_failures" json:"rehandshake_after_failures"`

	// DedupSize is the number of packet digests remembered
	DedupSize int `yaml:"dedup_size" json:"dedup_size"`

	// PendingPerPeer caps private messages queued while a handshake runs
	PendingPerPeer int `yaml:"pending_per_peer" json:"pending_per_peer"`

	Relay    relay.Config   `yaml:"relay" json:"relay"`
	Fragment FragmentConfig `yaml:"fragment" json:"fragment"`
}

// FragmentConfig configures reassembly. Zero fields keep the reassembler defaults.
type FragmentConfig struct {
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	MaxFragments  int           `yaml:"max_fragments" json:"max_fragments"`
	MaxBuffers    int           `yaml:"max_buffers" json:"max_buffers"`
	MaxJobBytes   int           `yaml:"max_job_bytes" json:"max_job_bytes"`
}

// DefaultConfig returns the default node configuration
func DefaultConfig() Config {
	return Config{
		Version:                  protocol.Version1,
		TTL:                      protocol.DefaultTTL,
		Padding:                  true,
		SignBroadcasts:           true,
		AnnounceInterval:         30 * time.Second,
		HandshakeTimeout:         20 * time.Second,
		PeerTimeout:              5 * time.Minute,
		RehandshakeAfterFailures: 3,
		DedupSize:                4096,
		PendingPerPeer:           32,
		Relay:                    relay.DefaultConfig(),
		Fragment: FragmentConfig{
			Timeout:       fragment.DefaultTimeout,
			SweepInterval: fragment.DefaultSweepInterval,
			MaxFragments:  fragment.DefaultMaxFragments,
			MaxBuffers:    fragment.DefaultMaxBuffers,
			MaxJobBytes:   fragment.DefaultMaxJobBytes,
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Version != protocol.Version1 && c.Version != protocol.Version2 {
		return fmt.Errorf("mesh version must be 1 or 2, got %d", c.Version)
	}
	if c.TTL == 0 {
		return fmt.Errorf("mesh ttl must be at least 1")
	}
	if c.DedupSize <= 0 {
		return fmt.Errorf("mesh dedup_size must be positive, got %d", c.DedupSize)
	}
	if c.PendingPerPeer < 0 {
		return fmt.Errorf("mesh pending_per_peer must not be negative")
	}
	if c.RehandshakeAfterFailures < 0 {
		return fmt.Errorf("mesh rehandshake_after_failures must not be negative")
	}
	if c.AnnounceInterval < 0 || c.HandshakeTimeout < 0 || c.PeerTimeout < 0 {
		return fmt.Errorf("mesh intervals must not be negative")
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return nil
}

func (c FragmentConfig) options() []fragment.Option {
	var opts []fragment.Option
	if c.Timeout > 0 {
		opts = append(opts, fragment.WithTimeout(c.Timeout))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, fragment.WithSweepInterval(c.SweepInterval))
	}
	if c.MaxFragments > 0 {
		opts = append(opts, fragment.WithMaxFragments(c.MaxFragments))
	}
	if c.MaxBuffers > 0 {
		opts = append(opts, fragment.WithMaxBuffers(c.MaxBuffers))
	}
	if c.MaxJobBytes > 0 {
		opts = append(opts, fragment.WithMaxJobBytes(c.MaxJobBytes))
	}
	return opts
}
