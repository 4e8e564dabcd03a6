package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/lendbook")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DbDriver)
	assert.Equal(t, 5*time.Minute, cfg.Batch.CollectionWindow)
	assert.Equal(t, 5, cfg.Batch.MinOrders)
	assert.Equal(t, 10, cfg.Batch.DisplayThreshold)
	assert.Equal(t, 1.2, cfg.Health.Threshold)
	assert.Equal(t, int64(84532), cfg.ChainID)
	assert.False(t, cfg.TrustProxyHeaders)

	t.Setenv("TRUST_PROXY_HEADERS", "true")
	cfg, err = NewConfig()
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxyHeaders)
}

func TestNewConfigFileOverlayAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lendbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch:
  collection_window: 2m
  min_orders: 3
health:
  threshold: 1.5
eip712:
  name: TestBook
  chain_id: 1
`), 0o600))

	t.Setenv("DB_URL", "file:test.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BATCH_MIN_ORDERS", "7")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Batch.CollectionWindow)
	assert.Equal(t, 7, cfg.Batch.MinOrders, "environment wins over the file")
	assert.Equal(t, 1.5, cfg.Health.Threshold)
	assert.Equal(t, "TestBook", cfg.EIP712Name)
	assert.Equal(t, int64(1), cfg.ChainID)
	assert.Equal(t, "sqlite", cfg.DbDriver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"MissingDbURL", func(c *Config) { c.DbURL = "" }},
		{"UnknownDriver", func(c *Config) { c.DbDriver = "mysql" }},
		{"ZeroWindow", func(c *Config) { c.Batch.CollectionWindow = 0 }},
		{"ZeroMinOrders", func(c *Config) { c.Batch.MinOrders = 0 }},
		{"NegativeThreshold", func(c *Config) { c.Health.Threshold = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DbURL = "postgres://localhost/lendbook"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
