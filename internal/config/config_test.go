package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "localhost:8000", cfg.ServerAddr)
		assert.Equal(t, DriverPostgres, cfg.StoreDriver)
		assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
		assert.Equal(t, 100, cfg.MaxRoomCapacity)
		assert.Len(t, cfg.SigningKey, 32, "expected default signing key to be decoded")
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("ADDR", ":9000")
		t.Setenv("STORE_DRIVER", "memory")
		t.Setenv("SIGNING_KEY", "c29tZV9zZWNyZXQ=")
		t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000,http://example.com")
		t.Setenv("AUTH_TIMEOUT", "2s")
		t.Setenv("MAX_ROOM_CAPACITY", "5")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.ServerAddr)
		assert.Equal(t, DriverMemory, cfg.StoreDriver)
		assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
		assert.Equal(t, []string{"http://localhost:3000", "http://example.com"}, cfg.AllowedOrigins)
		assert.Equal(t, 2*time.Second, cfg.AuthTimeout)
		assert.Equal(t, 5, cfg.MaxRoomCapacity)
	})

	tcases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "unknown driver", key: "STORE_DRIVER", val: "sqlite"},
		{name: "invalid signing key", key: "SIGNING_KEY", val: "invalid_base64"},
		{name: "zero capacity", key: "MAX_ROOM_CAPACITY", val: "0"},
		{name: "invalid duration", key: "AUTH_TIMEOUT", val: "soon"},
		{name: "zero burst", key: "RATE_LIMIT_BURST", val: "0"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			assert.Error(t, err, "expected error for %s=%q", tc.key, tc.val)
		})
	}

}

func TestConfig_validate(t *testing.T) {
	valid := func() Config {
		return Config{
			ServerAddr:        ":8000",
			StoreDriver:       DriverPostgres,
			DatabaseDSN:       "postgres://localhost/postgres",
			SigningSecret:     "c29tZV9zZWNyZXQ=",
			AuthTimeout:       time.Second,
			MaxRoomCapacity:   10,
			RoomIdleTimeout:   time.Second,
			RateLimitBurst:    1,
			RateLimitInterval: time.Second,
		}
	}

	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{name: "valid config", modify: func(c *Config) {}, err: false},
		{name: "empty address", modify: func(c *Config) { c.ServerAddr = "" }, err: true},
		{name: "empty DSN", modify: func(c *Config) { c.DatabaseDSN = "" }, err: true},
		{name: "memory ignores DSN", modify: func(c *Config) { c.StoreDriver = DriverMemory; c.DatabaseDSN = "" }, err: false},
		{name: "mongo requires uri", modify: func(c *Config) { c.StoreDriver = DriverMongo }, err: true},
		{name: "empty signing key", modify: func(c *Config) { c.SigningSecret = "" }, err: true},
		{name: "zero idle timeout", modify: func(c *Config) { c.RoomIdleTimeout = 0 }, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
			}
		})
	}
}
