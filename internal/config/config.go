// ABOUTME: Configuration for the serve, stream and probe commands
// ABOUTME: Layers defaults, loopstream.yaml, LOOPSTREAM_* environment and bound flags through viper
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. LOOPSTREAM_PORT
const EnvPrefix = "LOOPSTREAM"

// FileName is the config file looked up in the working and user config directories
const FileName = "loopstream.yaml"

type Config struct {
	Transport      string        `mapstructure:"transport"`
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	Compression    bool          `mapstructure:"compression"`
	ClientName     string        `mapstructure:"client_name"`
	BufferDuration time.Duration `mapstructure:"buffer_duration"`
	Backoff        time.Duration `mapstructure:"backoff"`
	Output         string        `mapstructure:"output"`
	BufferSeconds  float64       `mapstructure:"buffer_seconds"`
	MDNS           bool          `mapstructure:"mdns"`
	TUI            bool          `mapstructure:"tui"`
	LogFile        string        `mapstructure:"log_file"`
	Debug          bool          `mapstructure:"debug"`
	ProbeCycles    int           `mapstructure:"probe_cycles"`
}

func Default() *Config {
	return &Config{
		Transport:      "tcp",
		Port:           7172,
		ClientName:     defaultClientName(),
		BufferDuration: 100 * time.Millisecond,
		Backoff:        5 * time.Second,
		Output:         "malgo",
		BufferSeconds:  2,
		LogFile:        "loopstream.log",
		ProbeCycles:    20,
	}
}

func defaultClientName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-loopstream"
}

// New returns a viper instance carrying the defaults and environment
// binding. Commands bind their flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("transport", d.Transport)
	v.SetDefault("address", d.Address)
	v.SetDefault("port", d.Port)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("client_name", d.ClientName)
	v.SetDefault("buffer_duration", d.BufferDuration)
	v.SetDefault("backoff", d.Backoff)
	v.SetDefault("output", d.Output)
	v.SetDefault("buffer_seconds", d.BufferSeconds)
	v.SetDefault("mdns", d.MDNS)
	v.SetDefault("tui", d.TUI)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("probe_cycles", d.ProbeCycles)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads cfgFile (or loopstream.yaml from the usual places when empty)
// into v and decodes the merged result. A missing default file is not an
// error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := configDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

var (
	knownTransports = map[string]bool{"tcp": true, "udp": true, "websocket": true}
	knownOutputs    = map[string]bool{"malgo": true, "oto": true, "portaudio": true}
)

// Validate reports every invalid value at once
func (c *Config) Validate() error {
	var errs []error

	if !knownTransports[c.Transport] {
		errs = append(errs, fmt.Errorf("transport %q must be tcp, udp or websocket", c.Transport))
	}
	if c.Compression && c.Transport != "tcp" {
		errs = append(errs, fmt.Errorf("compression is only supported on the tcp transport"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.BufferDuration <= 0 {
		errs = append(errs, fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration))
	}
	if c.Backoff < 0 {
		errs = append(errs, fmt.Errorf("backoff must not be negative, got %v", c.Backoff))
	}
	if !knownOutputs[c.Output] {
		errs = append(errs, fmt.Errorf("output %q must be malgo, oto or portaudio", c.Output))
	}
	if c.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("buffer_seconds must be positive, got %v", c.BufferSeconds))
	}
	if c.ProbeCycles < 1 {
		errs = append(errs, fmt.Errorf("probe_cycles must be at least 1, got %d", c.ProbeCycles))
	}

	return errors.Join(errs...)
}

// ListenAddr is the server bind address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// PlaybackBuffer is the ring buffer length as a duration
func (c *Config) PlaybackBuffer() time.Duration {
	return time.Duration(c.BufferSeconds * float64(time.Second))
}

// fileConfig is the on-disk layout; durations are written as strings
type fileConfig struct {
	Transport      string  `yaml:"transport"`
	Address        string  `yaml:"address,omitempty"`
	Port           int     `yaml:"port"`
	Compression    bool    `yaml:"compression"`
	ClientName     string  `yaml:"client_name"`
	BufferDuration string  `yaml:"buffer_duration"`
	Backoff        string  `yaml:"backoff"`
	Output         string  `yaml:"output"`
	BufferSeconds  float64 `yaml:"buffer_seconds"`
	MDNS           bool    `yaml:"mdns"`
	TUI            bool    `yaml:"tui"`
	LogFile        string  `yaml:"log_file"`
	Debug          bool    `yaml:"debug"`
	ProbeCycles    int     `yaml:"probe_cycles"`
}

// Save writes cfg as YAML to path, creating parent directories
func Save(cfg *Config, path string) error {
	out, err := yaml.Marshal(fileConfig{
		Transport:      cfg.Transport,
		Address:        cfg.Address,
		Port:           cfg.Port,
		Compression:    cfg.Compression,
		ClientName:     cfg.ClientName,
		BufferDuration: cfg.BufferDuration.String(),
		Backoff:        cfg.Backoff.String(),
		Output:         cfg.Output,
		BufferSeconds:  cfg.BufferSeconds,
		MDNS:           cfg.MDNS,
		TUI:            cfg.TUI,
		LogFile:        cfg.LogFile,
		Debug:          cfg.Debug,
		ProbeCycles:    cfg.ProbeCycles,
	})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0644)
}

// DefaultPath is where Save writes when no --config is given
func DefaultPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "loopstream"), nil
}
