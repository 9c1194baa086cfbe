// Package config loads the YAML configuration of a mesh node
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Config is the full node configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Mesh      mesh.Config     `yaml:"mesh"`
	API       api.Config      `yaml:"api"`
}

// LogConfig selects the logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// NodeConfig holds the node identity settings
type NodeConfig struct {
	KeyFile string `yaml:"key_file"`
}

// TransportConfig configures the libp2p link
type TransportConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"`
	Bootstrap   []string `yaml:"bootstrap,omitempty"`
	MTU         int      `yaml:"mtu"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Node: NodeConfig{
			KeyFile: "./keys/node.pem",
		},
		Transport: TransportConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001"},
			MTU:         transport.DefaultMTU,
		},
		Mesh: mesh.DefaultConfig(),
		API:  api.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Node.KeyFile == "" {
		return fmt.Errorf("node.key_file is required")
	}
	if c.Transport.MTU < 64 || c.Transport.MTU > 0xFFFF {
		return fmt.Errorf("transport.mtu must be between 64 and 65535, got %d", c.Transport.MTU)
	}
	if len(c.Transport.ListenAddrs) == 0 {
		return fmt.Errorf("transport.listen_addrs must not be empty")
	}
	if err := c.Mesh.Validate(); err != nil {
		return err
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}

// Marshal renders the configuration as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger builds the zap logger described by c
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if strings.EqualFold(c.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
