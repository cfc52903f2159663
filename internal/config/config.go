package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/logger"
)

// Defaults.
const (
	DefaultExecutable         = "airflow"
	DefaultFileName           = "airsvc.toml"
	DefaultStateDirName       = "services-run"
	DefaultLogDirName         = "services-logs"
	DefaultLaunchGrace        = 10 * time.Second
	DefaultStopRequestTimeout = 30 * time.Second
	EnvPrefix                 = "AIRSVC"
)

// DefaultStopCommand asks a Celery worker to shut down warm, addressing it by
// its pidfile. Placeholders are expanded by the supervisor.
var DefaultStopCommand = []string{"{executable}", "celery", "stop", "--pid", "{pidfile}"}

// ErrConfig marks invalid configuration.
var ErrConfig = errors.New("invalid configuration")

// Config is the resolved configuration of one invocation.
type Config struct {
	Home               string                   `toml:"home" mapstructure:"home"`
	Executable         string                   `toml:"executable" mapstructure:"executable"`
	Hostname           string                   `toml:"hostname" mapstructure:"hostname"`
	StateDir           string                   `toml:"state_dir" mapstructure:"state_dir"`
	LogDir             string                   `toml:"log_dir" mapstructure:"log_dir"`
	LaunchGrace        time.Duration            `toml:"launch_grace" mapstructure:"launch_grace"`
	StopRequestTimeout time.Duration            `toml:"stop_request_timeout" mapstructure:"stop_request_timeout"`
	Env                []string                 `toml:"env" mapstructure:"env"`
	EnvFiles           []string                 `toml:"env_files" mapstructure:"env_files"`
	Services           map[string]ServiceConfig `toml:"services" mapstructure:"services"`
	Log                logger.Config            `toml:"log" mapstructure:"log"`
	History            HistoryConfig            `toml:"history" mapstructure:"history"`
	Metrics            MetricsConfig            `toml:"metrics" mapstructure:"metrics"`

	// File is the configuration file that was read, empty when none.
	File string `toml:"-" mapstructure:"-"`
}

// ServiceConfig holds per-service overrides, keyed by service kind name.
type ServiceConfig struct {
	// Args replaces the catalogue arguments; {host} is expanded.
	Args []string `toml:"args" mapstructure:"args"`
	// Env is applied on top of the global environment ("K=V").
	Env []string `toml:"env" mapstructure:"env"`
	// StopCommand replaces DefaultStopCommand for graceful kinds.
	StopCommand []string `toml:"stop_command" mapstructure:"stop_command"`
}

type HistoryConfig struct {
	// DSN selects the sink (sqlite path, postgres:// or clickhouse://); empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	// Textfile is written in Prometheus text format after every command.
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

// Load reads configuration from path (or $AIRFLOW_HOME/airsvc.toml when path
// is empty and that file exists), applies AIRSVC_* environment overrides and
// fills defaults. An explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("home", EnvPrefix+"_HOME", "AIRFLOW_HOME")
	setDefaults(v)

	if path == "" {
		home, err := expandHome(v.GetString("home"))
		if err != nil {
			return nil, err
		}
		candidate := filepath.Join(home, DefaultFileName)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	c.File = path
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", "~/airflow")
	v.SetDefault("executable", DefaultExecutable)
	v.SetDefault("hostname", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("launch_grace", DefaultLaunchGrace)
	v.SetDefault("stop_request_timeout", DefaultStopRequestTimeout)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
}

// finish resolves derived paths and validates the result.
func (c *Config) finish() error {
	home, err := expandHome(c.Home)
	if err != nil {
		return err
	}
	home, err = filepath.Abs(home)
	if err != nil {
		return fmt.Errorf("%w: home: %v", ErrConfig, err)
	}
	c.Home = home
	if c.StateDir == "" {
		c.StateDir = filepath.Join(home, DefaultStateDirName)
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(home, DefaultLogDirName)
	}
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("%w: hostname: %v", ErrConfig, err)
		}
		c.Hostname = h
	}
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.LaunchGrace < 0 {
		return fmt.Errorf("%w: launch_grace must not be negative", ErrConfig)
	}
	if c.StopRequestTimeout <= 0 {
		c.StopRequestTimeout = DefaultStopRequestTimeout
	}
	for name := range c.Services {
		if _, ok := catalog.Lookup(name); !ok {
			return fmt.Errorf("%w: [services.%s]: unknown service (known: %s)",
				ErrConfig, name, strings.Join(catalog.Names(), ", "))
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return fmt.Errorf("%w: env file %s: %v", ErrConfig, p, err)
		}
		// explicit env entries win over env files
		c.Env = append(pairs, c.Env...)
	}
	return nil
}

// Validate checks that the Airflow home exists. Commands that touch services
// call it; printing the configuration does not.
func (c *Config) Validate() error {
	st, err := os.Stat(c.Home)
	if err != nil {
		return fmt.Errorf("%w: AIRFLOW_HOME %s: %v", ErrConfig, c.Home, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: AIRFLOW_HOME %s is not a directory", ErrConfig, c.Home)
	}
	return nil
}

// Service returns the overrides for a kind; the zero value when none.
func (c *Config) Service(name string) ServiceConfig {
	return c.Services[name]
}

// StopCommand returns the graceful stop command template for a kind.
func (c *Config) StopCommand(name string) []string {
	if sc := c.Services[name].StopCommand; len(sc) > 0 {
		return sc
	}
	return DefaultStopCommand
}

func expandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: home directory: %v", ErrConfig, err)
		}
		return filepath.Join(h, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
