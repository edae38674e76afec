// Package config loads the jobstream server configuration. Values come from
// built-in defaults, then an optional YAML file, then JOBSTREAM_* environment
// variables, and are finally normalized and validated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Log formats.
const (
	FormatTerminal = "terminal"
	FormatJSON     = "json"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8080
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultAttachRate        = 20.0
	DefaultAttachBurst       = 40
	DefaultFilesMaxBytes     = 1 << 20
	DefaultSQLitePath        = "jobstream.db"
	DefaultMongoDatabase     = "jobstream"
	DefaultMongoTimeout      = 5 * time.Second
	DefaultKeepAlive         = 20 * time.Second
	DefaultBuffer            = 256
	DefaultCancelTimeout     = 10 * time.Second
	DefaultPulseTimeout      = 2 * time.Second
)

type (
	// Config is the complete server configuration.
	Config struct {
		HTTP    HTTP    `yaml:"http"`
		Ledger  Ledger  `yaml:"ledger"`
		Mongo   Mongo   `yaml:"mongo"`
		Redis   Redis   `yaml:"redis"`
		Stream  Stream  `yaml:"stream"`
		Control Control `yaml:"control"`
		// LogFormat is "terminal" or "json".
		LogFormat string `yaml:"log_format"`
		Debug     bool   `yaml:"debug"`
	}

	// HTTP configures the API server.
	HTTP struct {
		Host              string        `yaml:"host"`
		Port              int           `yaml:"port"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		// AttachRate limits new streaming sessions per second across the server.
		AttachRate  float64 `yaml:"attach_rate"`
		AttachBurst int     `yaml:"attach_burst"`
		// FilesMaxBytes caps the size of files served from a job repository.
		FilesMaxBytes int64 `yaml:"files_max_bytes"`
	}

	// Ledger selects the event and job storage backend.
	Ledger struct {
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlite_path"`
	}

	// Mongo configures the mongo backend.
	Mongo struct {
		URI              string        `yaml:"uri"`
		Database         string        `yaml:"database"`
		EventsCollection string        `yaml:"events_collection"`
		JobsCollection   string        `yaml:"jobs_collection"`
		Timeout          time.Duration `yaml:"timeout"`
	}

	// Redis enables cross-process fan-out and cancel signals through Pulse
	// when Addr is set. It requires the mongo ledger backend.
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Stream       string        `yaml:"stream"`
		StreamMaxLen int           `yaml:"stream_max_len"`
		Timeout      time.Duration `yaml:"timeout"`
	}

	// Stream configures streaming sessions.
	Stream struct {
		KeepAlive time.Duration `yaml:"keep_alive"`
		// Buffer is the per-subscriber live buffer.
		Buffer int `yaml:"buffer"`
	}

	// Control configures control signals.
	Control struct {
		CancelTimeout time.Duration `yaml:"cancel_timeout"`
	}
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			ShutdownTimeout:   DefaultShutdownTimeout,
			AttachRate:        DefaultAttachRate,
			AttachBurst:       DefaultAttachBurst,
			FilesMaxBytes:     DefaultFilesMaxBytes,
		},
		Ledger:    Ledger{Backend: BackendMemory, SQLitePath: DefaultSQLitePath},
		Mongo:     Mongo{Database: DefaultMongoDatabase, Timeout: DefaultMongoTimeout},
		Redis:     Redis{Timeout: DefaultPulseTimeout},
		Stream:    Stream{KeepAlive: DefaultKeepAlive, Buffer: DefaultBuffer},
		Control:   Control{CancelTimeout: DefaultCancelTimeout},
		LogFormat: FormatTerminal,
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Address returns the HTTP bind address in host:port form.
func (c Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Validate reports configuration errors that normalization cannot fix.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Backend {
	case BackendMemory, BackendSQLite:
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.Redis.Addr != "" && c.Ledger.Backend != BackendMongo {
		errs = append(errs, fmt.Errorf("redis.addr requires the shared mongo ledger backend, got %q", c.Ledger.Backend))
	}
	switch c.LogFormat {
	case FormatTerminal, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTP.Port))
	}
	return errors.Join(errs...)
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.String("JOBSTREAM_HTTP_HOST", &c.HTTP.Host)
	env.Int("JOBSTREAM_HTTP_PORT", &c.HTTP.Port)
	env.Float("JOBSTREAM_ATTACH_RATE", &c.HTTP.AttachRate)
	env.Int("JOBSTREAM_ATTACH_BURST", &c.HTTP.AttachBurst)
	env.String("JOBSTREAM_LEDGER_BACKEND", &c.Ledger.Backend)
	env.String("JOBSTREAM_SQLITE_PATH", &c.Ledger.SQLitePath)
	env.String("JOBSTREAM_MONGO_URI", &c.Mongo.URI)
	env.String("JOBSTREAM_MONGO_DATABASE", &c.Mongo.Database)
	env.String("JOBSTREAM_REDIS_ADDR", &c.Redis.Addr)
	env.String("JOBSTREAM_REDIS_PASSWORD", &c.Redis.Password)
	env.Int("JOBSTREAM_REDIS_DB", &c.Redis.DB)
	env.Int("JOBSTREAM_PULSE_MAX_LEN", &c.Redis.StreamMaxLen)
	env.Duration("JOBSTREAM_KEEPALIVE", &c.Stream.KeepAlive)
	env.Int("JOBSTREAM_BUFFER", &c.Stream.Buffer)
	env.Duration("JOBSTREAM_CANCEL_TIMEOUT", &c.Control.CancelTimeout)
	env.String("JOBSTREAM_LOG_FORMAT", &c.LogFormat)
	env.Bool("JOBSTREAM_DEBUG", &c.Debug)
	return errors.Join(env.errs...)
}

func (c *Config) normalize() {
	d := Default()
	c.HTTP.Host = strings.TrimSpace(c.HTTP.Host)
	if c.HTTP.Host == "" {
		c.HTTP.Host = d.HTTP.Host
	}
	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = d.HTTP.ReadHeaderTimeout
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = d.HTTP.IdleTimeout
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = d.HTTP.ShutdownTimeout
	}
	if c.HTTP.AttachRate <= 0 {
		c.HTTP.AttachRate = d.HTTP.AttachRate
	}
	if c.HTTP.AttachBurst <= 0 {
		c.HTTP.AttachBurst = d.HTTP.AttachBurst
	}
	if c.HTTP.FilesMaxBytes <= 0 {
		c.HTTP.FilesMaxBytes = d.HTTP.FilesMaxBytes
	}
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = d.Ledger.Backend
	}
	if c.Ledger.SQLitePath == "" {
		c.Ledger.SQLitePath = d.Ledger.SQLitePath
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = d.Mongo.Database
	}
	if c.Mongo.Timeout <= 0 {
		c.Mongo.Timeout = d.Mongo.Timeout
	}
	if c.Redis.Timeout <= 0 {
		c.Redis.Timeout = d.Redis.Timeout
	}
	if c.Stream.KeepAlive <= 0 {
		c.Stream.KeepAlive = d.Stream.KeepAlive
	}
	if c.Stream.Buffer <= 0 {
		c.Stream.Buffer = d.Stream.Buffer
	}
	if c.Control.CancelTimeout <= 0 {
		c.Control.CancelTimeout = d.Control.CancelTimeout
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) String(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) Int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) Float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) Bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) Duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
