package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/env"
	"github.com/loykin/mcsu/internal/logger"
	"github.com/loykin/mcsu/internal/manager"
	"github.com/loykin/mcsu/internal/metrics"
	"github.com/loykin/mcsu/internal/process"
)

// EnvPrefix prefixes environment overrides, e.g. MCSU_SERVER_MC_PATH.
const EnvPrefix = "MCSU"

// Config is the complete file configuration.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Env        []string             `mapstructure:"env"`
	EnvFiles   []string             `mapstructure:"env_files"`
	UseOSEnv   bool                 `mapstructure:"use_os_env"`
	Log        logger.Config        `mapstructure:"log"`
	ConsoleLog logger.ConsoleConfig `mapstructure:"console_log"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
	History    HistoryConfig        `mapstructure:"history"`
	API        APIConfig            `mapstructure:"api"`
}

// ServerConfig describes the supervised game server.
type ServerConfig struct {
	Name           string          `mapstructure:"name"`
	Java           string          `mapstructure:"java"`
	StartScript    string          `mapstructure:"start_script"`
	ServerJar      string          `mapstructure:"server_jar"`
	Flags          []string        `mapstructure:"flags"`
	NoGUI          bool            `mapstructure:"nogui"`
	Pipe           bool            `mapstructure:"pipe"`
	MCPath         string          `mapstructure:"mc_path"`
	Restart        bool            `mapstructure:"restart"`
	AutoStart      bool            `mapstructure:"autostart"`
	StopCommand    string          `mapstructure:"stop_command"`
	StopTimeout    time.Duration   `mapstructure:"stop_timeout"`
	Charset        string          `mapstructure:"charset"`
	LineMode       string          `mapstructure:"line_mode"`
	RestartBackoff manager.Backoff `mapstructure:"restart_backoff"`
}

type MetricsConfig struct {
	Enabled bool                         `mapstructure:"enabled"`
	Listen  string                       `mapstructure:"listen"`
	Process metrics.ProcessMetricsConfig `mapstructure:"process"`
}

type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	DSN       []string `mapstructure:"dsn"`
	QueueSize int      `mapstructure:"queue_size"`
}

type APIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// DefaultRestartBackoff applies when server.restart is on and no
// restart_backoff is configured. Set initial = 0 and max_retries = 0 to
// restart immediately without limit.
var DefaultRestartBackoff = manager.Backoff{
	Initial:    time.Second,
	Max:        time.Minute,
	Multiplier: 2,
	MaxRetries: 10,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.name", manager.DefaultName)
	v.SetDefault("server.java", process.DefaultJava)
	v.SetDefault("server.nogui", true)
	v.SetDefault("server.pipe", false)
	v.SetDefault("server.restart", false)
	v.SetDefault("server.autostart", false)
	v.SetDefault("server.stop_command", "stop")
	v.SetDefault("server.stop_timeout", manager.DefaultStopTimeout)
	v.SetDefault("server.line_mode", console.LineModeChunk.String())
	v.SetDefault("server.restart_backoff.initial", DefaultRestartBackoff.Initial)
	v.SetDefault("server.restart_backoff.max", DefaultRestartBackoff.Max)
	v.SetDefault("server.restart_backoff.multiplier", DefaultRestartBackoff.Multiplier)
	v.SetDefault("server.restart_backoff.max_retries", DefaultRestartBackoff.MaxRetries)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.process.interval", 5*time.Second)
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.base_path", "/api")
}

// Load reads path (TOML, YAML or JSON by extension) and applies defaults
// and MCSU_ environment overrides. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper knows about
	for _, k := range []string{"server.mc_path", "server.start_script", "server.server_jar", "server.charset"} {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	return &cfg, nil
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Server.MCPath = abs(c.Server.MCPath)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = abs(f)
	}
	c.Log.File = abs(c.Log.File)
	c.ConsoleLog.Dir = abs(c.ConsoleLog.Dir)
}

// Validate checks static constraints. The server directory itself is
// checked when the supervisor is created.
func (c *Config) Validate() error {
	var errs []error
	s := c.Server
	if s.MCPath == "" {
		errs = append(errs, errors.New("server.mc_path is required"))
	}
	if s.StartScript == "" && s.ServerJar == "" {
		errs = append(errs, errors.New("one of server.start_script or server.server_jar is required"))
	}
	if s.StartScript != "" && s.ServerJar != "" {
		errs = append(errs, errors.New("server.start_script and server.server_jar are mutually exclusive"))
	}
	if _, ok := console.ParseLineMode(s.LineMode); !ok {
		errs = append(errs, fmt.Errorf("server.line_mode must be chunk or line, got %q", s.LineMode))
	}
	if _, err := console.CharsetEncoding(s.Charset); err != nil {
		errs = append(errs, fmt.Errorf("server.charset: %w", err))
	}
	b := s.RestartBackoff
	if b.Initial < 0 || b.Max < 0 || b.MaxRetries < 0 {
		errs = append(errs, errors.New("server.restart_backoff values must not be negative"))
	}
	if b.Multiplier != 0 && b.Multiplier < 1 {
		errs = append(errs, errors.New("server.restart_backoff.multiplier must be >= 1"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.History.Enabled && len(c.History.DSN) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.dsn"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the API is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// ProcessSpec converts the server section into a launch spec.
func (c *Config) ProcessSpec() process.Spec {
	s := c.Server
	return process.Spec{
		Name:        s.Name,
		WorkDir:     s.MCPath,
		Java:        s.Java,
		Jar:         s.ServerJar,
		Script:      s.StartScript,
		Flags:       append([]string(nil), s.Flags...),
		NoGUI:       s.NoGUI,
		StopCommand: s.StopCommand,
	}
}

// Environment builds the server environment: OS env when enabled, then
// env_files in order, then the env list.
func (c *Config) Environment() ([]string, error) {
	e := env.New(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	return e.Merge(c.Env), nil
}

// ParserOptions returns the console parser options for the server section.
func (c *Config) ParserOptions() ([]console.Option, error) {
	mode, ok := console.ParseLineMode(c.Server.LineMode)
	if !ok {
		return nil, fmt.Errorf("unknown line mode %q", c.Server.LineMode)
	}
	opts := []console.Option{console.WithLineMode(mode)}
	enc, err := console.CharsetEncoding(c.Server.Charset)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		opts = append(opts, console.WithEncoding(enc))
	}
	return opts, nil
}

// ManagerOptions assembles supervisor options. Passthrough and the logger
// are left for the caller.
func (c *Config) ManagerOptions() (manager.Options, error) {
	envList, err := c.Environment()
	if err != nil {
		return manager.Options{}, err
	}
	return manager.Options{
		Process:     c.ProcessSpec(),
		Env:         envList,
		AutoStart:   c.Server.AutoStart,
		Restart:     c.Server.Restart,
		Backoff:     c.Server.RestartBackoff,
		StopTimeout: c.Server.StopTimeout,
		Console:     c.ConsoleLog,
	}, nil
}
