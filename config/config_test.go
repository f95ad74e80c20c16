package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// go test -v --run TestLoadDefaults
func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "alpaca:\n  key: k\n  secret: s\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, "dev", cfg.Log.Environment)
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, cfg.Strategy.Symbols)
	assert.Equal(t, 9, cfg.Strategy.EMAPeriod)
	assert.Equal(t, "withhold", cfg.Strategy.Warmup)
	assert.Equal(t, "gtc", cfg.Strategy.TimeInForce)
	assert.Equal(t, "iex", cfg.Alpaca.Feed)
	assert.Equal(t, 5, cfg.Stream.Reconnect.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.Reconnect.Base)
	assert.Equal(t, 30*time.Second, cfg.Stream.Reconnect.Cap)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.DrainTimeout)

	q, err := cfg.Strategy.QuantityDecimal()
	require.NoError(t, err)
	assert.Equal(t, "1", q.String())
}

// go test -v --run TestLoadEnvOverrides
func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "alpaca:\n  key: file-key\n  secret: s\nstrategy:\n  ema_period: 20\n")
	t.Setenv("EMATRADER_ALPACA_KEY", "env-key")
	t.Setenv("EMATRADER_STREAM_READ_TIMEOUT", "15s")
	t.Setenv("EMATRADER_STRATEGY_EMA_PERIOD", "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Alpaca.Key)
	assert.Equal(t, 15*time.Second, cfg.Stream.ReadTimeout)
	assert.Equal(t, 12, cfg.Strategy.EMAPeriod)
}

// go test -v --run TestLoadMissingFile
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// go test -v --run TestValidate
func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, "alpaca:\n  key: k\n  secret: s\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing key", func(c *Config) { c.Alpaca.Key = "" }},
		{"bad feed", func(c *Config) { c.Alpaca.Feed = "otc" }},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"no symbols", func(c *Config) { c.Strategy.Symbols = nil }},
		{"zero period", func(c *Config) { c.Strategy.EMAPeriod = 0 }},
		{"bad warmup", func(c *Config) { c.Strategy.Warmup = "lazy" }},
		{"bad quantity", func(c *Config) { c.Strategy.Quantity = "one" }},
		{"negative quantity", func(c *Config) { c.Strategy.Quantity = "-1" }},
		{"bad tif", func(c *Config) { c.Strategy.TimeInForce = "forever" }},
		{"no reconnects", func(c *Config) { c.Stream.Reconnect.MaxAttempts = 0 }},
		{"cap below base", func(c *Config) { c.Stream.Reconnect.Cap = time.Millisecond }},
		{"reconnect cap flattens waits", func(c *Config) {
			c.Stream.Reconnect.Base, c.Stream.Reconnect.Cap, c.Stream.Reconnect.MaxAttempts = 500*time.Millisecond, time.Second, 5
		}},
		{"dispatch cap flattens waits", func(c *Config) {
			c.Dispatch.Backoff.Base, c.Dispatch.Backoff.Cap, c.Dispatch.MaxAttempts = time.Second, time.Second, 3
		}},
		{"no drain timeout", func(c *Config) { c.Shutdown.DrainTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, base(t).Validate())
	})
	t.Run("single reconnect attempt", func(t *testing.T) {
		cfg := base(t)
		cfg.Stream.Reconnect.MaxAttempts = 1
		cfg.Stream.Reconnect.Cap = cfg.Stream.Reconnect.Base
		assert.NoError(t, cfg.Validate())
	})
}

// go test -v --run TestPostgresDSN
func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "pw",
		DBName:   "ematrader",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}
	assert.Equal(t, "host=localhost port=5432 user=postgres password=pw dbname=ematrader sslmode=disable TimeZone=UTC", cfg.DSN())
	assert.Contains(t, cfg.AdminDSN(), "dbname=postgres")
}

type fakeStore map[string]string

func (f fakeStore) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

// go test -v --run TestResolveSecrets
func TestResolveSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, "environment: prod\npostgres:\n  enabled: true\n  password: local\n"))
	require.NoError(t, err)

	store := fakeStore{
		"EMATRADER_ALPACA_KEY":    "ssm-key",
		"EMATRADER_ALPACA_SECRET": "ssm-secret",
		"EMATRADER_DB_HOST":       "db.internal",
		"EMATRADER_DB_USER":       "trader",
	}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), store))

	assert.Equal(t, "ssm-key", cfg.Alpaca.Key)
	assert.Equal(t, "ssm-secret", cfg.Alpaca.Secret)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "trader", cfg.Postgres.User)
	assert.Equal(t, "local", cfg.Postgres.Password, "explicit values are kept")
	assert.Empty(t, cfg.Telegram.BotToken, "telegram disabled")

	// missing parameter
	cfg.Alpaca.Key = ""
	delete(store, "EMATRADER_ALPACA_KEY")
	assert.Error(t, cfg.ResolveSecrets(context.Background(), store))
}

// go test -v --run TestResolveSecretsDev
func TestResolveSecretsDev(t *testing.T) {
	cfg := &Config{Environment: "dev"}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), fakeStore{}))
	assert.Empty(t, cfg.Alpaca.Key)
}
