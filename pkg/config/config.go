// Package config loads daemon and server settings. Values are layered:
// built-in defaults, then an optional YAML file, then WSRX_* environment
// variables, then command-line flags that were explicitly set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sammck-go/wsrx/share"
)

// EnvConfigFile names the YAML file to load when --config is not given
const EnvConfigFile = "WSRX_CONFIG"

// Config is the complete settings tree
type Config struct {
	API      APIConfig     `yaml:"api"`
	Monitor  MonitorConfig `yaml:"monitor"`
	Log      LogConfig     `yaml:"log"`
	Scopes   ScopesConfig  `yaml:"scopes"`
	LockFile string        `yaml:"lock_file"`
	Serve    ServeConfig   `yaml:"serve"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// APIConfig configures the control API listener
type APIConfig struct {
	Host string `yaml:"host"`
	// Port is tried first. If it is busy and FallbackRandom is set, a random
	// port is used instead.
	Port           int  `yaml:"port"`
	FallbackRandom bool `yaml:"fallback_random"`
	// Secret, if set, must be sent as the Authorization header
	Secret string `yaml:"secret"`
	// Heartbeat, if nonzero, stops the daemon when GET /heartbeat has not been
	// called for that long
	Heartbeat time.Duration `yaml:"heartbeat"`
	// ConnectRate bounds POST /connect per second; ConnectBurst is its burst
	ConnectRate  float64 `yaml:"connect_rate"`
	ConnectBurst int     `yaml:"connect_burst"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ScopesConfig struct {
	// File holds scope records loaded at startup and saved on exit
	File string `yaml:"file"`
	// Watch re-applies File when it changes on disk
	Watch bool `yaml:"watch"`
}

// ServeConfig configures server mode
type ServeConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           3307,
			FallbackRandom: true,
			ConnectRate:    5,
			ConnectBurst:   10,
		},
		Monitor: MonitorConfig{
			Interval: 5 * time.Second,
			Timeout:  3 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Scopes: ScopesConfig{
			Watch: true,
		},
		Serve: ServeConfig{
			Host: "0.0.0.0",
			Port: 1145,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped if path is
// empty) and the environment
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv()
	return c, nil
}

// LoadFile overlays the YAML file at path onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays WSRX_* environment variables onto c
func (c *Config) ApplyEnv() {
	c.API.Host = getEnvOrDefault("WSRX_API_HOST", c.API.Host)
	c.API.Port = getEnvInt("WSRX_API_PORT", c.API.Port)
	c.API.FallbackRandom = getEnvBool("WSRX_API_FALLBACK_RANDOM", c.API.FallbackRandom)
	c.API.Secret = getEnvOrDefault("WSRX_API_SECRET", c.API.Secret)
	c.API.Heartbeat = getEnvDuration("WSRX_API_HEARTBEAT", c.API.Heartbeat)
	c.Monitor.Interval = getEnvDuration("WSRX_MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.Timeout = getEnvDuration("WSRX_MONITOR_TIMEOUT", c.Monitor.Timeout)
	c.Log.Level = getEnvOrDefault("WSRX_LOG_LEVEL", c.Log.Level)
	c.Scopes.File = getEnvOrDefault("WSRX_SCOPES_FILE", c.Scopes.File)
	c.Scopes.Watch = getEnvBool("WSRX_SCOPES_WATCH", c.Scopes.Watch)
	c.LockFile = getEnvOrDefault("WSRX_LOCK_FILE", c.LockFile)
	c.Serve.Host = getEnvOrDefault("WSRX_SERVE_HOST", c.Serve.Host)
	c.Serve.Port = getEnvInt("WSRX_SERVE_PORT", c.Serve.Port)
	c.Serve.Secret = getEnvOrDefault("WSRX_SERVE_SECRET", c.Serve.Secret)
	c.Metrics.Enabled = getEnvBool("WSRX_METRICS_ENABLED", c.Metrics.Enabled)
}

// Validate rejects settings that cannot work
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		return fmt.Errorf("serve.port %d out of range", c.Serve.Port)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.Timeout <= 0 {
		return fmt.Errorf("monitor.timeout must be positive")
	}
	if c.API.Heartbeat < 0 {
		return fmt.Errorf("api.heartbeat must not be negative")
	}
	var level share.LogLevel
	if err := level.FromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LogLevel returns the parsed log level, or info if it does not parse
func (c *Config) LogLevel() share.LogLevel {
	var level share.LogLevel
	if err := level.FromString(c.Log.Level); err != nil {
		return share.LogLevelInfo
	}
	return level
}

// APIAddr returns host:port for the control API
func (c *Config) APIAddr() string {
	return joinHostPort(c.API.Host, c.API.Port)
}

// ServeAddr returns host:port for server mode
func (c *Config) ServeAddr() string {
	return joinHostPort(c.Serve.Host, c.Serve.Port)
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Flags holds command-line overrides. Only flags the user actually set are
// applied, so a flag's default never hides a file or environment value.
type Flags struct {
	ConfigFile string
	values     Config
	fs         *pflag.FlagSet
}

type flagSetter func(dst, src *Config)

var flagSetters = map[string]flagSetter{
	"api-host":         func(d, s *Config) { d.API.Host = s.API.Host },
	"api-port":         func(d, s *Config) { d.API.Port = s.API.Port },
	"api-secret":       func(d, s *Config) { d.API.Secret = s.API.Secret },
	"heartbeat":        func(d, s *Config) { d.API.Heartbeat = s.API.Heartbeat },
	"no-random-port":   func(d, s *Config) { d.API.FallbackRandom = s.API.FallbackRandom },
	"monitor-interval": func(d, s *Config) { d.Monitor.Interval = s.Monitor.Interval },
	"monitor-timeout":  func(d, s *Config) { d.Monitor.Timeout = s.Monitor.Timeout },
	"log-level":        func(d, s *Config) { d.Log.Level = s.Log.Level },
	"scopes-file":      func(d, s *Config) { d.Scopes.File = s.Scopes.File },
	"lock-file":        func(d, s *Config) { d.LockFile = s.LockFile },
	"serve-host":       func(d, s *Config) { d.Serve.Host = s.Serve.Host },
	"serve-port":       func(d, s *Config) { d.Serve.Port = s.Serve.Port },
	"serve-secret":     func(d, s *Config) { d.Serve.Secret = s.Serve.Secret },
	"metrics":          func(d, s *Config) { d.Metrics.Enabled = s.Metrics.Enabled },
}

// BindFlags registers the shared flags on fs
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()
	v := &f.values
	*v = *d
	fs.StringVarP(&f.ConfigFile, "config", "c", "", "YAML config file (env "+EnvConfigFile+")")
	fs.StringVar(&v.Log.Level, "log-level", d.Log.Level, "log level: error, warning, info, debug or trace")
	fs.StringVar(&v.API.Host, "api-host", d.API.Host, "control API bind host")
	fs.IntVar(&v.API.Port, "api-port", d.API.Port, "control API port")
	fs.StringVar(&v.API.Secret, "api-secret", d.API.Secret, "require this Authorization header on the control API")
	fs.DurationVar(&v.API.Heartbeat, "heartbeat", d.API.Heartbeat, "exit if GET /heartbeat is not called within this interval (0 disables)")
	fs.VarPF(newInvertedBool(&v.API.FallbackRandom), "no-random-port", "",
		"fail instead of using a random port when the API port is busy").NoOptDefVal = "true"
	fs.DurationVar(&v.Monitor.Interval, "monitor-interval", d.Monitor.Interval, "health check interval")
	fs.DurationVar(&v.Monitor.Timeout, "monitor-timeout", d.Monitor.Timeout, "health check timeout")
	fs.StringVar(&v.Scopes.File, "scopes-file", d.Scopes.File, "scope records loaded at startup and saved on exit")
	fs.StringVar(&v.LockFile, "lock-file", d.LockFile, "write the API port to this file while running")
	fs.StringVar(&v.Serve.Host, "serve-host", d.Serve.Host, "server mode bind host")
	fs.IntVar(&v.Serve.Port, "serve-port", d.Serve.Port, "server mode port")
	fs.StringVar(&v.Serve.Secret, "serve-secret", d.Serve.Secret, "require this Authorization header on server mode pool routes")
	fs.BoolVar(&v.Metrics.Enabled, "metrics", d.Metrics.Enabled, "serve Prometheus metrics on /metrics")
	return f
}

// Resolve loads the layered Config and applies the flags that were set
func (f *Flags) Resolve() (*Config, error) {
	path := f.ConfigFile
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	f.fs.Visit(func(fl *pflag.Flag) {
		if set, ok := flagSetters[fl.Name]; ok {
			set(c, &f.values)
		}
	})
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// invertedBool is a boolean flag that stores its negation
type invertedBool struct {
	target *bool
}

func newInvertedBool(target *bool) *invertedBool {
	return &invertedBool{target: target}
}

func (b *invertedBool) String() string {
	if b.target == nil {
		return "false"
	}
	return strconv.FormatBool(!*b.target)
}

func (b *invertedBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b.target = !v
	return nil
}

func (b *invertedBool) Type() string {
	return "bool"
}
