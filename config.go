package orkestra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the client knobs that can be set from a file or the
// environment. Zero values leave the client default in place.
type Config struct {
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	BehaviorVersion string `koanf:"behavior_version"`

	Retry    RetryFileConfig    `koanf:"retry"`
	Timeouts TimeoutsFileConfig `koanf:"timeouts"`
	Stalled  StalledFileConfig  `koanf:"stalled_stream_protection"`
	Identity IdentityFileConfig `koanf:"identity_cache"`
	Compress CompressFileConfig `koanf:"request_compression"`
	Debug    bool               `koanf:"debug"`
}

type RetryFileConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	Mode           string        `koanf:"mode"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

type TimeoutsFileConfig struct {
	Operation time.Duration `koanf:"operation"`
	Attempt   time.Duration `koanf:"attempt"`
	Connect   time.Duration `koanf:"connect"`
	Read      time.Duration `koanf:"read"`
}

type StalledFileConfig struct {
	// Enabled is a pointer so an absent key keeps the behavior version default.
	Enabled           *bool         `koanf:"enabled"`
	GracePeriod       time.Duration `koanf:"grace_period"`
	MinBytesPerSecond float64       `koanf:"min_bytes_per_second"`
}

type IdentityFileConfig struct {
	BufferTime time.Duration `koanf:"buffer_time"`
}

type CompressFileConfig struct {
	Disabled *bool `koanf:"disabled"`
	MinSize  int   `koanf:"min_size"`
}

// LoadConfig reads path as YAML, then overlays environment variables that
// start with envPrefix. A double underscore in a variable name separates
// keys: ORKESTRA_RETRY__MAX_ATTEMPTS sets retry.max_attempts. An empty path
// or a missing file is not an error.
func LoadConfig(path, envPrefix string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if envPrefix != "" {
		if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
			return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
		}), nil); err != nil {
			return Config{}, fmt.Errorf("load environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// WithConfig applies a loaded Config. Options given after it win.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		if cfg.Region != "" {
			c.region = cfg.Region
		}
		if cfg.Endpoint != "" {
			WithEndpoint(cfg.Endpoint)(c)
		}
		if cfg.BehaviorVersion != "" {
			v, err := ParseBehaviorVersion(cfg.BehaviorVersion)
			if err != nil {
				c.optionErrors = append(c.optionErrors, err.Error())
			} else {
				c.behavior = v
			}
		}

		if cfg.Retry.MaxAttempts != 0 {
			c.retryConfig.MaxAttempts = cfg.Retry.MaxAttempts
		}
		if cfg.Retry.Mode != "" {
			c.retryConfig.Mode = RetryMode(cfg.Retry.Mode)
		}
		if cfg.Retry.InitialBackoff != 0 {
			c.retryConfig.InitialBackoff = cfg.Retry.InitialBackoff
		}
		if cfg.Retry.MaxBackoff != 0 {
			c.retryConfig.MaxBackoff = cfg.Retry.MaxBackoff
		}

		if cfg.Timeouts.Operation != 0 {
			c.timeouts.Operation = cfg.Timeouts.Operation
		}
		if cfg.Timeouts.Attempt != 0 {
			c.timeouts.Attempt = cfg.Timeouts.Attempt
		}
		if cfg.Timeouts.Connect != 0 {
			c.transport.ConnectTimeout = cfg.Timeouts.Connect
		}
		if cfg.Timeouts.Read != 0 {
			c.transport.ReadTimeout = cfg.Timeouts.Read
		}

		if s := cfg.Stalled; s.Enabled != nil || s.GracePeriod != 0 || s.MinBytesPerSecond != 0 {
			conf := c.behavior.defaults().stalled
			if c.stalled != nil {
				conf = *c.stalled
			}
			if s.Enabled != nil {
				conf.Enabled = *s.Enabled
			}
			if s.GracePeriod != 0 {
				conf.GracePeriod = s.GracePeriod
			}
			if s.MinBytesPerSecond != 0 {
				conf.MinBytesPerSecond = s.MinBytesPerSecond
			}
			c.stalled = &conf
		}

		if cc := cfg.Compress; cc.Disabled != nil || cc.MinSize != 0 {
			conf := c.behavior.defaults().compression
			if c.compression != nil {
				conf = *c.compression
			}
			if cc.Disabled != nil {
				conf.Disabled = *cc.Disabled
			}
			if cc.MinSize != 0 {
				conf.MinSize = cc.MinSize
			}
			c.compression = &conf
		}

		if cfg.Identity.BufferTime != 0 {
			c.identityCacheOpts.ExpirationBuffer = cfg.Identity.BufferTime
		}
		if cfg.Debug {
			WithDebug()(c)
		}
	}
}
