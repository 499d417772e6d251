package redispatch

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs accept both "500ms" strings
// and bare integers (seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// NodeAddress is one seed node entry.
type NodeAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port form.
func (n NodeAddress) Addr() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// SocketOptions are passed through to the underlying redis client dials.
type SocketOptions struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
}

// Config carries the recognized options of the dispatch core.
type Config struct {
	// ClusterNodes are the seed nodes the Monitor queries with CLUSTER SLOTS.
	ClusterNodes []NodeAddress `yaml:"cluster_nodes"`

	// PoolSize is the steady per-node pool size.
	PoolSize int `yaml:"pool_size"`

	// PoolMaxOverflow allows transient extra connections; 0 is a hard cap.
	PoolMaxOverflow int `yaml:"pool_max_overflow"`

	SocketOpts SocketOptions `yaml:"socket_opts"`

	// BackoffInitial and BackoffMax bound the re-dial window opened for an
	// endpoint after a failed dial. Within the window checkout fails fast;
	// the window doubles per consecutive failure up to BackoffMax.
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`

	// RefreshTimeout bounds each seed attempt during a topology refresh.
	RefreshTimeout Duration `yaml:"refresh_timeout"`
}

// LoadConfig reads and validates a yaml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required options and applies defaults for the bounded
// timeouts.
func (c *Config) Validate() error {
	if len(c.ClusterNodes) == 0 {
		return errors.New("config: cluster_nodes is required")
	}
	for _, n := range c.ClusterNodes {
		if n.Host == "" || n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("config: invalid cluster node %q", n.Addr())
		}
	}
	if c.PoolSize <= 0 {
		return errors.New("config: pool_size must be positive")
	}
	if c.PoolMaxOverflow < 0 {
		return errors.New("config: pool_max_overflow must not be negative")
	}
	if c.SocketOpts.ConnectTimeout.Duration == 0 {
		c.SocketOpts.ConnectTimeout.Duration = 3 * time.Second
	}
	if c.SocketOpts.ReadTimeout.Duration == 0 {
		c.SocketOpts.ReadTimeout.Duration = 3 * time.Second
	}
	if c.SocketOpts.WriteTimeout.Duration == 0 {
		c.SocketOpts.WriteTimeout.Duration = 3 * time.Second
	}
	if c.BackoffInitial.Duration == 0 {
		c.BackoffInitial.Duration = 500 * time.Millisecond
	}
	if c.BackoffMax.Duration == 0 {
		c.BackoffMax.Duration = 30 * time.Second
	}
	if c.BackoffMax.Duration < c.BackoffInitial.Duration {
		return errors.New("config: backoff_max must not be below backoff_initial")
	}
	if c.RefreshTimeout.Duration == 0 {
		c.RefreshTimeout.Duration = 3 * time.Second
	}
	return nil
}
