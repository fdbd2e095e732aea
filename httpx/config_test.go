package httpx

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults when nothing is set", func(t *testing.T) {
		cfg, err := LoadConfig(viper.New())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("yaml with duration strings", func(t *testing.T) {
		v := viper.New()
		v.SetConfigType("yaml")
		err := v.ReadConfig(strings.NewReader(`
io_threads: 4
socket_timeout: 250ms
wait_for_continue: 1s
max_body_bytes: 1048576
breaker_trip_count: 2
`))
		require.NoError(t, err)

		cfg, err := LoadConfig(v)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.IOThreads)
		assert.Equal(t, 250*time.Millisecond, cfg.SocketTimeout)
		assert.Equal(t, time.Second, cfg.WaitForContinue)
		assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
		assert.Equal(t, uint32(2), cfg.BreakerTripCount)
		assert.Equal(t, DefaultConfig().BufferSize, cfg.BufferSize)
	})

	t.Run("explicit values override", func(t *testing.T) {
		v := viper.New()
		v.Set("chunk_size", 512)
		v.Set("connect_timeout", "3s")
		cfg, err := LoadConfig(v)
		require.NoError(t, err)
		assert.Equal(t, 512, cfg.ChunkSize)
		assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		v.Set("max_line_length", 10)
		v.Set("max_body_bytes", -1)
		_, err := LoadConfig(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_line_length")
		assert.Contains(t, err.Error(), "max_body_bytes")
	})

	t.Run("undecodable value", func(t *testing.T) {
		v := viper.New()
		v.Set("socket_timeout", "soon")
		_, err := LoadConfig(v)
		assert.Error(t, err)
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{IOThreads: 1, BufferSize: 1024}.withDefaults()
	assert.Equal(t, 1, cfg.IOThreads)
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, DefaultConfig().MaxLineLength, cfg.MaxLineLength)

	rc := cfg.reactorConfig()
	assert.Equal(t, cfg.SocketTimeout, rc.SocketTimeout)
	assert.Equal(t, 1024, rc.BufferSize)
}
