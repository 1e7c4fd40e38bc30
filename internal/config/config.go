package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FRAUD_ENGINE_"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Rulesets     RulesetsConfig     `yaml:"rulesets"`
	Auth         AuthConfig         `yaml:"auth"`
	LoadShedding LoadSheddingConfig `yaml:"load_shedding"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Velocity     VelocityConfig     `yaml:"velocity"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type RulesetsConfig struct {
	Dir             string        `yaml:"dir"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type AuthConfig struct {
	Mode         string `yaml:"mode"`
	Secret       string `yaml:"secret"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
	CasbinModel  string `yaml:"casbin_model"`
	CasbinPolicy string `yaml:"casbin_policy"`
}

type LoadSheddingConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxConcurrent of zero sheds every request while enabled.
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type OutboxConfig struct {
	Driver       string        `yaml:"driver"`
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SigningKey   string        `yaml:"signing_key"`
	SQLitePath   string        `yaml:"sqlite_path"`
	WALDir       string        `yaml:"wal_dir"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
}

type VelocityConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// PurgeInterval is how often the memory driver drops closed windows.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

const (
	OutboxNone     = "none"
	OutboxMemory   = "memory"
	OutboxSQLite   = "sqlite"
	OutboxWAL      = "wal"
	OutboxPostgres = "postgres"

	VelocityMemory = "memory"
	VelocityRedis  = "redis"
)

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  2 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Rulesets: RulesetsConfig{
			Dir: "./rulesets",
		},
		Auth: AuthConfig{Mode: "none"},
		LoadShedding: LoadSheddingConfig{
			MaxConcurrent: 256,
		},
		Outbox: OutboxConfig{
			Driver:       OutboxMemory,
			QueueSize:    10000,
			PollInterval: 500 * time.Millisecond,
			SQLitePath:   "./data/outbox.db",
			WALDir:       "./data/outbox-wal",
		},
		Velocity: VelocityConfig{
			Driver:        VelocityMemory,
			RedisAddr:     "localhost:6379",
			PurgeInterval: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// an optional .env file and FRAUD_ENGINE_* environment variables, in that
// order of precedence.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config env file: %w", err)
		}
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(c *Config) error {
	strs := map[string]*string{
		"SERVER_ADDR":             &c.Server.Addr,
		"METRICS_ADDR":            &c.Server.MetricsAddr,
		"LOG_LEVEL":               &c.Log.Level,
		"RULESETS_DIR":            &c.Rulesets.Dir,
		"AUTH_MODE":               &c.Auth.Mode,
		"AUTH_SECRET":             &c.Auth.Secret,
		"AUTH_ISSUER":             &c.Auth.Issuer,
		"AUTH_AUDIENCE":           &c.Auth.Audience,
		"AUTH_CASBIN_MODEL":       &c.Auth.CasbinModel,
		"AUTH_CASBIN_POLICY":      &c.Auth.CasbinPolicy,
		"OUTBOX_DRIVER":           &c.Outbox.Driver,
		"OUTBOX_SIGNING_KEY":      &c.Outbox.SigningKey,
		"OUTBOX_SQLITE_PATH":      &c.Outbox.SQLitePath,
		"OUTBOX_WAL_DIR":          &c.Outbox.WALDir,
		"OUTBOX_POSTGRES_DSN":     &c.Outbox.PostgresDSN,
		"VELOCITY_DRIVER":         &c.Velocity.Driver,
		"VELOCITY_REDIS_ADDR":     &c.Velocity.RedisAddr,
		"VELOCITY_REDIS_PASSWORD": &c.Velocity.RedisPassword,
	}
	for name, target := range strs {
		if v, ok := lookupEnv(name); ok {
			*target = v
		}
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT":           &c.Server.RequestTimeout,
		"SHUTDOWN_TIMEOUT":          &c.Server.ShutdownTimeout,
		"RULESETS_REFRESH_INTERVAL": &c.Rulesets.RefreshInterval,
		"OUTBOX_POLL_INTERVAL":      &c.Outbox.PollInterval,
		"VELOCITY_PURGE_INTERVAL":   &c.Velocity.PurgeInterval,
	}
	for name, target := range durations {
		if v, ok := lookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config env %s%s: %w", EnvPrefix, name, err)
			}
			*target = d
		}
	}

	if v, ok := lookupEnv("LOAD_SHEDDING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config env %sLOAD_SHEDDING_ENABLED: %w", EnvPrefix, err)
		}
		c.LoadShedding.Enabled = enabled
	}
	if v, ok := lookupEnv("LOAD_SHEDDING_MAX_CONCURRENT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config env %sLOAD_SHEDDING_MAX_CONCURRENT: %w", EnvPrefix, err)
		}
		c.LoadShedding.MaxConcurrent = n
	}
	if v, ok := lookupEnv("OUTBOX_QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config env %sOUTBOX_QUEUE_SIZE: %w", EnvPrefix, err)
		}
		c.Outbox.QueueSize = n
	}
	if v, ok := lookupEnv("VELOCITY_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config env %sVELOCITY_REDIS_DB: %w", EnvPrefix, err)
		}
		c.Velocity.RedisDB = n
	}

	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Rulesets.Dir == "" {
		errs = append(errs, errors.New("rulesets.dir is required"))
	}
	if c.Rulesets.RefreshInterval < 0 {
		errs = append(errs, errors.New("rulesets.refresh_interval must not be negative"))
	}

	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required in jwt mode"))
		}
		if (c.Auth.CasbinModel == "") != (c.Auth.CasbinPolicy == "") {
			errs = append(errs, errors.New("auth.casbin_model and auth.casbin_policy must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is invalid (expected none|jwt)", c.Auth.Mode))
	}

	if c.LoadShedding.MaxConcurrent < 0 {
		errs = append(errs, errors.New("load_shedding.max_concurrent must not be negative"))
	}

	switch c.Outbox.Driver {
	case OutboxNone, OutboxMemory:
	case OutboxSQLite:
		if c.Outbox.SQLitePath == "" {
			errs = append(errs, errors.New("outbox.sqlite_path is required for the sqlite driver"))
		}
	case OutboxWAL:
		if c.Outbox.WALDir == "" {
			errs = append(errs, errors.New("outbox.wal_dir is required for the wal driver"))
		}
	case OutboxPostgres:
		if c.Outbox.PostgresDSN == "" {
			errs = append(errs, errors.New("outbox.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbox.driver %q is invalid", c.Outbox.Driver))
	}
	if c.Outbox.QueueSize <= 0 {
		errs = append(errs, errors.New("outbox.queue_size must be positive"))
	}

	switch c.Velocity.Driver {
	case VelocityMemory:
		if c.Velocity.PurgeInterval <= 0 {
			errs = append(errs, errors.New("velocity.purge_interval must be positive for the memory driver"))
		}
	case VelocityRedis:
		if c.Velocity.RedisAddr == "" {
			errs = append(errs, errors.New("velocity.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("velocity.driver %q is invalid", c.Velocity.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q is invalid", l.Level)
	}
	return level, nil
}
