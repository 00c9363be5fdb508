// Package config loads the engine settings from defaults, an optional config file,
// GOTORRENT_* environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const EnvPrefix = "GOTORRENT"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ConfigFile string `mapstructure:"config"`
	// OutputDir receives the downloaded file or directory tree.
	OutputDir string `mapstructure:"output-dir"`
	// AnnounceURL replaces the tracker named by the metadata file when set.
	AnnounceURL string `mapstructure:"announce-url"`
	Port        int    `mapstructure:"port"`

	MaxPeers             int           `mapstructure:"max-peers"`
	MaxPipelinedRequests int           `mapstructure:"max-pipelined-requests"`
	BlockSize            string        `mapstructure:"block-size"`
	MaxPendingTime       time.Duration `mapstructure:"max-pending-time"`
	IdleWait             time.Duration `mapstructure:"idle-wait"`
	KeepAliveInterval    time.Duration `mapstructure:"keep-alive-interval"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake-timeout"`
	DialTimeout          time.Duration `mapstructure:"dial-timeout"`
	// DialRate is the number of peer connection attempts per second; 0 disables
	// the limit.
	DialRate float64 `mapstructure:"dial-rate"`

	TrackerTimeout time.Duration `mapstructure:"tracker-timeout"`
	// TrackerRetryInterval paces announces after a tracker failure and while every
	// known peer is used up.
	TrackerRetryInterval time.Duration `mapstructure:"tracker-retry-interval"`
	UDPRoundTripTimeout  time.Duration `mapstructure:"udp-round-trip-timeout"`
	UDPRetryInterval     time.Duration `mapstructure:"udp-retry-interval"`
	UDPMaxTries          uint          `mapstructure:"udp-max-tries"`

	LogFile  string `mapstructure:"log-file"`
	LogLevel string `mapstructure:"log-level"`
}

func Default() Config {
	return Config{
		OutputDir:            ".",
		Port:                 6881,
		MaxPeers:             40,
		MaxPipelinedRequests: 5,
		BlockSize:            "16KiB",
		MaxPendingTime:       300 * time.Second,
		IdleWait:             5 * time.Second,
		KeepAliveInterval:    2 * time.Minute,
		HandshakeTimeout:     30 * time.Second,
		DialTimeout:          15 * time.Second,
		DialRate:             10,
		TrackerTimeout:       60 * time.Second,
		TrackerRetryInterval: time.Minute,
		UDPRoundTripTimeout:  5 * time.Second,
		UDPRetryInterval:     time.Second,
		UDPMaxTries:          4,
		LogFile:              "log.txt",
		LogLevel:             "info",
	}
}

// NewFlagSet declares one flag per setting, defaulting to Default().
func NewFlagSet(name string) *pflag.FlagSet {
	d := Default()
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.StringP("output-dir", "o", d.OutputDir, "directory receiving the download")
	flags.String("announce-url", "", "tracker announce url, overrides the one in the torrent")
	flags.IntP("port", "p", d.Port, "port announced to the tracker")
	flags.Int("max-peers", d.MaxPeers, "maximum concurrent peer connections")
	flags.Int("max-pipelined-requests", d.MaxPipelinedRequests, "outstanding block requests per peer")
	flags.String("block-size", d.BlockSize, "size of a requested block")
	flags.Duration("max-pending-time", d.MaxPendingTime, "age after which an unanswered request is reassigned")
	flags.Duration("idle-wait", d.IdleWait, "pause between coordinator checks")
	flags.Duration("keep-alive-interval", d.KeepAliveInterval, "interval between keep-alive messages")
	flags.Duration("handshake-timeout", d.HandshakeTimeout, "maximum wait for a peer handshake")
	flags.Duration("dial-timeout", d.DialTimeout, "maximum wait for a connection to open")
	flags.Float64("dial-rate", d.DialRate, "peer connection attempts per second, 0 for unlimited")
	flags.Duration("tracker-timeout", d.TrackerTimeout, "http tracker request timeout")
	flags.Duration("tracker-retry-interval", d.TrackerRetryInterval, "wait before announcing again after a tracker failure")
	flags.Duration("udp-round-trip-timeout", d.UDPRoundTripTimeout, "udp tracker response timeout")
	flags.Duration("udp-retry-interval", d.UDPRetryInterval, "first udp tracker retry interval")
	flags.Uint("udp-max-tries", d.UDPMaxTries, "udp tracker attempts per request")
	flags.String("log-file", d.LogFile, "log destination")
	flags.String("log-level", d.LogLevel, "debug, info, warn or error")
	return flags
}

// Load resolves the configuration for already parsed flags.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("config", "")
	v.SetDefault("output-dir", d.OutputDir)
	v.SetDefault("announce-url", d.AnnounceURL)
	v.SetDefault("port", d.Port)
	v.SetDefault("max-peers", d.MaxPeers)
	v.SetDefault("max-pipelined-requests", d.MaxPipelinedRequests)
	v.SetDefault("block-size", d.BlockSize)
	v.SetDefault("max-pending-time", d.MaxPendingTime)
	v.SetDefault("idle-wait", d.IdleWait)
	v.SetDefault("keep-alive-interval", d.KeepAliveInterval)
	v.SetDefault("handshake-timeout", d.HandshakeTimeout)
	v.SetDefault("dial-timeout", d.DialTimeout)
	v.SetDefault("dial-rate", d.DialRate)
	v.SetDefault("tracker-timeout", d.TrackerTimeout)
	v.SetDefault("tracker-retry-interval", d.TrackerRetryInterval)
	v.SetDefault("udp-round-trip-timeout", d.UDPRoundTripTimeout)
	v.SetDefault("udp-retry-interval", d.UDPRetryInterval)
	v.SetDefault("udp-max-tries", d.UDPMaxTries)
	v.SetDefault("log-file", d.LogFile)
	v.SetDefault("log-level", d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, err
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output-dir is empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxPeers < 1 {
		errs = append(errs, fmt.Errorf("max-peers must be positive, got %d", c.MaxPeers))
	}
	if c.MaxPipelinedRequests < 1 {
		errs = append(errs, fmt.Errorf("max-pipelined-requests must be positive, got %d", c.MaxPipelinedRequests))
	}
	if _, err := c.BlockBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.UDPMaxTries < 1 {
		errs = append(errs, errors.New("udp-max-tries must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"max-pending-time":       c.MaxPendingTime,
		"idle-wait":              c.IdleWait,
		"keep-alive-interval":    c.KeepAliveInterval,
		"handshake-timeout":      c.HandshakeTimeout,
		"tracker-retry-interval": c.TrackerRetryInterval,
		"udp-round-trip-timeout": c.UDPRoundTripTimeout,
		"udp-retry-interval":     c.UDPRetryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// BlockBytes parses BlockSize, which accepts humanized sizes such as "16KiB".
// Peers drop requests above 128KiB.
func (c Config) BlockBytes() (int, error) {
	size, err := humanize.ParseBytes(c.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("block-size: %w", err)
	}
	if size == 0 || size > 128*1024 {
		return 0, fmt.Errorf("block-size %s out of range", humanize.IBytes(size))
	}
	return int(size), nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}

func (c Config) DialLimiter() *rate.Limiter {
	if c.DialRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(c.DialRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.DialRate), burst)
}
