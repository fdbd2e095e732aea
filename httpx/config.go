package httpx

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"dqx0.com/go/niohttp/httpx/internal/reactor"
)

// Config tunes a Server or Client. Zero fields take the values of
// DefaultConfig.
type Config struct {
	// IOThreads is the number of I/O loops.
	IOThreads int `mapstructure:"io_threads"`
	// SelectInterval bounds how long a loop blocks in the poller and how often
	// timeouts are checked.
	SelectInterval time.Duration `mapstructure:"select_interval"`
	// SocketTimeout closes connections idle for longer than this.
	SocketTimeout  time.Duration `mapstructure:"socket_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// WaitForContinue is how long a client holds a request body after
	// sending Expect: 100-continue.
	WaitForContinue time.Duration `mapstructure:"wait_for_continue"`
	// BufferSize is the initial session buffer size and the output high
	// water mark above which entities are not asked for more content.
	BufferSize     int `mapstructure:"buffer_size"`
	MaxLineLength  int `mapstructure:"max_line_length"`
	MaxHeaderCount int `mapstructure:"max_header_count"`
	// MaxBodyBytes limits received content per message; 0 disables the limit.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// ChunkSize is the piece size used when sending buffered bodies.
	ChunkSize int `mapstructure:"chunk_size"`
	// BreakerTripCount is the number of consecutive connect failures to an
	// address after which connects fail fast for BreakerTimeout.
	BreakerTripCount uint32        `mapstructure:"breaker_trip_count"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		IOThreads:        2,
		SelectInterval:   time.Second,
		SocketTimeout:    30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		WaitForContinue:  3 * time.Second,
		BufferSize:       8 << 10,
		MaxLineLength:    8 << 10,
		MaxHeaderCount:   100,
		ChunkSize:        2048,
		BreakerTripCount: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IOThreads <= 0 {
		c.IOThreads = d.IOThreads
	}
	if c.SelectInterval <= 0 {
		c.SelectInterval = d.SelectInterval
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = d.SocketTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WaitForContinue <= 0 {
		c.WaitForContinue = d.WaitForContinue
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = d.MaxLineLength
	}
	if c.MaxHeaderCount <= 0 {
		c.MaxHeaderCount = d.MaxHeaderCount
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.BreakerTripCount == 0 {
		c.BreakerTripCount = d.BreakerTripCount
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	return c
}

// Validate rejects settings the engine cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxLineLength > 0 && c.MaxLineLength < 64 {
		errs = append(errs, fmt.Errorf("max_line_length %d below 64", c.MaxLineLength))
	}
	if c.SocketTimeout < 0 {
		errs = append(errs, fmt.Errorf("socket_timeout %s is negative", c.SocketTimeout))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect_timeout %s is negative", c.ConnectTimeout))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes %d is negative", c.MaxBodyBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("httpx: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) reactorConfig() reactor.Config {
	return reactor.Config{
		IOThreads:      c.IOThreads,
		SelectInterval: c.SelectInterval,
		SocketTimeout:  c.SocketTimeout,
		ConnectTimeout: c.ConnectTimeout,
		BufferSize:     c.BufferSize,
	}
}

// LoadConfig decodes a Config from v, falling back to DefaultConfig for keys
// v does not set. Durations accept strings such as "250ms".
func LoadConfig(v *viper.Viper) (Config, error) {
	d := DefaultConfig()
	v.SetDefault("io_threads", d.IOThreads)
	v.SetDefault("select_interval", d.SelectInterval)
	v.SetDefault("socket_timeout", d.SocketTimeout)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("wait_for_continue", d.WaitForContinue)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("max_line_length", d.MaxLineLength)
	v.SetDefault("max_header_count", d.MaxHeaderCount)
	v.SetDefault("max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("breaker_trip_count", d.BreakerTripCount)
	v.SetDefault("breaker_timeout", d.BreakerTimeout)

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("httpx: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}
