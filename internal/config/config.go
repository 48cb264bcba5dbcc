// Package config holds the typed application configuration, loaded through
// viper from a yaml file plus OMNICHAT_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines terminal colors per log level for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the shared browser process and its
// per-target tabs.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ProfileDir        string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ScriptTimeout     time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
}

// DispatchConfig tunes the timing of the dispatch engine and reconciler.
// Tests shrink these; production values match the settle behavior of the
// target sites' reactive frameworks.
type DispatchConfig struct {
	// SettleDelay is the wait applied before restore/reset actions after a
	// conversation switch, letting freshly mounted surfaces initialize.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// CaptureDelay is the wait after a successful send before session URLs
	// are read back, giving sites time to mint a persistent URL.
	CaptureDelay time.Duration `mapstructure:"capture_delay" yaml:"capture_delay"`
	// SubmitDelayMs is embedded in generated scripts between text insertion
	// and submission.
	SubmitDelayMs int `mapstructure:"submit_delay_ms" yaml:"submit_delay_ms"`
	// RetryDelayMs is embedded in two-phase scripts between resolution
	// attempts when the page rebuilds its DOM.
	RetryDelayMs int `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	// MinSendInterval spaces out whole dispatch calls.
	MinSendInterval time.Duration `mapstructure:"min_send_interval" yaml:"min_send_interval"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig locates the persisted state.
type StorageConfig struct {
	// StateDir holds the conversation/target JSON blobs and the message
	// archive database. Defaults to ~/.omnichat.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// StateFile returns the path of the write-through JSON blob.
func (s StorageConfig) StateFile() string {
	return filepath.Join(s.StateDir, "state.json")
}

// ArchiveFile returns the path of the sqlite message archive.
func (s StorageConfig) ArchiveFile() string {
	return filepath.Join(s.StateDir, "messages.db")
}

// SetDefaults registers every default value with viper. Called before
// ReadInConfig so a missing file still yields a usable configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "omnichat")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.script_timeout", 20*time.Second)

	v.SetDefault("dispatch.settle_delay", 1*time.Second)
	v.SetDefault("dispatch.capture_delay", 2*time.Second)
	v.SetDefault("dispatch.submit_delay_ms", 150)
	v.SetDefault("dispatch.retry_delay_ms", 600)
	v.SetDefault("dispatch.min_send_interval", 500*time.Millisecond)

	v.SetDefault("server.addr", "127.0.0.1:8900")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
}

// Load reads configuration from the given file (or the default search path
// when empty), applies environment overrides and unmarshals into Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("OMNICHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Storage.StateDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Storage.StateDir = filepath.Join(home, ".omnichat")
	}

	return &cfg, nil
}
