package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. INFERENCE_PORT.
const EnvPrefix = "INFERENCE"

// Capture backends
const (
	CaptureSHM         = "shm"
	CaptureTestPattern = "testpattern"
)

// Config defines the runtime configuration for the inference server.
type Config struct {
	Address  string   `mapstructure:"address"`
	Port     int      `mapstructure:"port"`
	ChipID   int      `mapstructure:"chip_id"`
	Verbose  bool     `mapstructure:"verbose"`
	LogLevel string   `mapstructure:"log_level"`
	LogColor bool     `mapstructure:"log_color"`
	RunTime  int      `mapstructure:"runtime"` // seconds, 0 => run until signalled
	CertFile string   `mapstructure:"cert_file"`
	KeyFile  string   `mapstructure:"key_file"`
	Models   []string `mapstructure:"models"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	MonitorAddr string `mapstructure:"monitor_addr"`

	Capture         string        `mapstructure:"capture"`
	ShmDir          string        `mapstructure:"shm_dir"`
	ShmName         string        `mapstructure:"shm_name"`
	FrameTimeout    time.Duration `mapstructure:"frame_timeout"`
	MaxCachedFrames int           `mapstructure:"max_cached_frames"`

	TempDir  string `mapstructure:"temp_dir"`
	UseMemfd bool   `mapstructure:"use_memfd"`

	ParamApp    string `mapstructure:"param_app"`
	ParamClient string `mapstructure:"param_client"`

	ConfigFile string `mapstructure:"config_file"`
	EnvFile    string `mapstructure:"env_file"`
}

// DefaultConfig returns a config aligned with the device runtime defaults.
func DefaultConfig() Config {
	return Config{
		Address:         "0.0.0.0",
		Port:            9001,
		ChipID:          0,
		LogLevel:        "info",
		LogColor:        true,
		MetricsAddr:     ":9090",
		MonitorAddr:     ":8080",
		Capture:         CaptureSHM,
		ShmDir:          "/dev/shm",
		ShmName:         "/pet_camera_stream",
		FrameTimeout:    2 * time.Second,
		MaxCachedFrames: 3,
		ParamApp:        "acapruntime",
		ParamClient:     "parhandclient",
	}
}

// ListenAddr returns the gRPC listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// TLSEnabled reports whether both certificate and key are configured.
func (c Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// InferenceEnabled reports whether an accelerator chip was selected.
func (c Config) InferenceEnabled() bool {
	return c.ChipID > 0
}

// EffectiveLogLevel returns "debug" in verbose mode, else LogLevel.
func (c Config) EffectiveLogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("TLS requires both certificate and key file")
	}
	if c.RunTime < 0 {
		return fmt.Errorf("invalid runtime %d", c.RunTime)
	}
	if c.ChipID < 0 {
		return fmt.Errorf("invalid chip id %d", c.ChipID)
	}
	if c.MaxCachedFrames < 1 {
		return fmt.Errorf("max cached frames must be at least 1, got %d", c.MaxCachedFrames)
	}
	switch c.Capture {
	case CaptureSHM, CaptureTestPattern:
	default:
		return fmt.Errorf("unknown capture backend %q", c.Capture)
	}
	return nil
}

// SetDefaults registers DefaultConfig values on v so that env and file
// overrides can be unmarshalled on top of them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("address", d.Address)
	v.SetDefault("port", d.Port)
	v.SetDefault("chip_id", d.ChipID)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_color", d.LogColor)
	v.SetDefault("runtime", d.RunTime)
	v.SetDefault("cert_file", d.CertFile)
	v.SetDefault("key_file", d.KeyFile)
	v.SetDefault("models", []string{})
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("monitor_addr", d.MonitorAddr)
	v.SetDefault("capture", d.Capture)
	v.SetDefault("shm_dir", d.ShmDir)
	v.SetDefault("shm_name", d.ShmName)
	v.SetDefault("frame_timeout", d.FrameTimeout)
	v.SetDefault("max_cached_frames", d.MaxCachedFrames)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("use_memfd", d.UseMemfd)
	v.SetDefault("param_app", d.ParamApp)
	v.SetDefault("param_client", d.ParamClient)
}

// Load resolves the configuration from v. The env file (if set) is loaded
// into the process environment first, then the YAML config file, then
// INFERENCE_* variables. Flags bound to v take precedence over all of them.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`, `.`, `_`))
	v.AutomaticEnv()

	if envFile := v.GetString("env_file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if configFile := v.GetString("config_file"); configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return Config{}, fmt.Errorf("failed to stat config file: %w", err)
		}
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParameterSource looks up device parameters by name.
type ParameterSource interface {
	Get(name string) (string, bool)
}

// ApplyParameters overlays the device parameters Verbose, IpPort and ChipId
// on top of the built-in defaults. Malformed numeric values are ignored.
func ApplyParameters(v *viper.Viper, src ParameterSource) {
	if src == nil {
		return
	}
	if val, ok := src.Get("Verbose"); ok {
		v.SetDefault("verbose", val == "yes")
	}
	if val, ok := src.Get("IpPort"); ok {
		if port, err := strconv.Atoi(val); err == nil {
			v.SetDefault("port", port)
		}
	}
	if val, ok := src.Get("ChipId"); ok {
		if chip, err := strconv.Atoi(val); err == nil {
			v.SetDefault("chip_id", chip)
		}
	}
}
