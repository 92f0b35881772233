package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticParams map[string]string

func (p staticParams) Get(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().Port, cfg.Port)
	assert.Equal(t, "0.0.0.0:9001", cfg.ListenAddr())
	assert.Equal(t, 3, cfg.MaxCachedFrames)
	assert.Equal(t, 2*time.Second, cfg.FrameTimeout)
	assert.False(t, cfg.InferenceEnabled())
	assert.False(t, cfg.TLSEnabled())
	assert.Equal(t, "info", cfg.EffectiveLogLevel())
}

func TestValidate(t *testing.T) {
	base := DefaultConfig()
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"port":     func(c *Config) { c.Port = 0 },
		"tls pair": func(c *Config) { c.CertFile = "cert.pem" },
		"runtime":  func(c *Config) { c.RunTime = -1 },
		"chip":     func(c *Config) { c.ChipID = -2 },
		"frames":   func(c *Config) { c.MaxCachedFrames = 0 },
		"capture":  func(c *Config) { c.Capture = "v4l2" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("INFERENCE_PORT", "9100")
	t.Setenv("INFERENCE_CHIP_ID", "12")
	t.Setenv("INFERENCE_MAX_CACHED_FRAMES", "5")

	cfg, err := Load(newViper(t))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 12, cfg.ChipID)
	assert.Equal(t, 5, cfg.MaxCachedFrames)
	assert.True(t, cfg.InferenceEnabled())
}

func TestConfigAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
port: 9200
capture: testpattern
models:
  - /models/a.yaml
  - /models/b.yaml
`), 0o644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("INFERENCE_VERBOSE=true\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("INFERENCE_VERBOSE") })

	v := newViper(t)
	v.Set("config_file", configFile)
	v.Set("env_file", envFile)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, CaptureTestPattern, cfg.Capture)
	assert.Equal(t, []string{"/models/a.yaml", "/models/b.yaml"}, cfg.Models)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "debug", cfg.EffectiveLogLevel())
}

func TestMissingConfigFile(t *testing.T) {
	v := newViper(t)
	v.Set("config_file", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(v)
	assert.Error(t, err)
}

func TestApplyParameters(t *testing.T) {
	v := newViper(t)
	ApplyParameters(v, staticParams{"Verbose": "yes", "IpPort": "9050", "ChipId": "abc"})

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, 9050, cfg.Port)
	assert.Equal(t, 0, cfg.ChipID)

	// Explicit values still win over parameters.
	v = newViper(t)
	ApplyParameters(v, staticParams{"IpPort": "9050"})
	v.Set("port", 9999)
	cfg, err = Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)

	ApplyParameters(v, nil)
}
