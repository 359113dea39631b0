package commands

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel"
)

// Config is the on-disk CLI configuration. Durations use Go syntax ("10s").
type Config struct {
	// Transport is "tcp" or "webrtc".
	Transport     string   `toml:"transport"`
	ICEServers    []string `toml:"ice_servers"`
	Room          string   `toml:"room"`
	Name          string   `toml:"name"`
	Listen        string   `toml:"listen"`
	Advertise     string   `toml:"advertise"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Retention bool   `toml:"retention"`
	StoreDir  string `toml:"store_dir"`

	HeartbeatInterval string `toml:"heartbeat_interval"`
	LivenessWindow    string `toml:"liveness_window"`
	SendGracePeriod   string `toml:"send_grace_period"`
	DialTimeout       string `toml:"dial_timeout"`
}

// DefaultConfig returns the settings used without a config file.
func DefaultConfig() *Config {
	return &Config{
		Transport: "tcp",
		Listen:    ":7420",
		RedisAddr: "localhost:6379",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config (%s): %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logrus.WithFields(logrus.Fields{
			"function": "LoadConfig",
			"key":      key.String(),
		}).Warn("Ignoring unknown config key")
	}
	return c, nil
}

// Apply copies the session settings into opts.
func (c *Config) Apply(opts *parallel.Options) error {
	opts.Retention = c.Retention
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval, &opts.HeartbeatInterval},
		{"liveness_window", c.LivenessWindow, &opts.LivenessWindow},
		{"send_grace_period", c.SendGracePeriod, &opts.SendGracePeriod},
		{"dial_timeout", c.DialTimeout, &opts.DialTimeout},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid %s %q", f.name, f.value)
		}
		*f.dst = d
	}
	return nil
}
