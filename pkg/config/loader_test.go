package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/pkg/config"
)

type testConfig struct {
	Host  string `env:"TEST_CFG_HOST" envDefault:"localhost"`
	Port  int    `env:"TEST_CFG_PORT" envDefault:"5432"`
	Token string `env:"TEST_CFG_TOKEN"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Empty(t, cfg.Token)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("TEST_CFG_HOST", "db.internal")
	t.Setenv("TEST_CFG_PORT", "6432")

	var cfg testConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6432, cfg.Port)
}

func TestLoad_NilPointer(t *testing.T) {
	err := config.Load[testConfig](nil)
	assert.ErrorIs(t, err, config.ErrNilPointer)
}

type requiredConfig struct {
	Secret string `env:"TEST_CFG_REQUIRED_SECRET,required"`
}

func TestLoad_RequiredMissing(t *testing.T) {
	var cfg requiredConfig
	err := config.Load(&cfg)
	assert.ErrorIs(t, err, config.ErrParsingConfig)
}
