package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. INTERP_SERVER_URL.
const EnvPrefix = "INTERP"

// Config is the interpctl configuration.
type Config struct {
	Server  *Server
	Poll    *Poll
	Breaker *Breaker
	Redis   *Redis
	Worker  *Worker
	Store   *Store
	Logger  *Logger
	Viper   *viper.Viper
}

// Server describes the remote interpolation service.
type Server struct {
	URL     string
	Timeout time.Duration
}

// Poll configures job tracking.
type Poll struct {
	Interval time.Duration
	// MaxFailures abandons tracking after that many consecutive failed polls.
	// 0 retries forever.
	MaxFailures int
}

// Breaker configures the status-query circuit breaker. Disabled when
// ConsecutiveFailures is 0.
type Breaker struct {
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Worker struct {
	Queue       string
	Concurrency int
}

// Store selects the journal database.
type Store struct {
	Driver string // sqlite or mysql
	DSN    string
}

type Logger struct {
	Level  string
	Format string // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8000")
	v.SetDefault("server.timeout", 120*time.Second)
	v.SetDefault("poll.interval", time.Second)
	v.SetDefault("poll.max_failures", 0)
	v.SetDefault("breaker.consecutive_failures", 0)
	v.SetDefault("breaker.cooldown", 5*time.Second)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.queue", "default")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:interpx.db?_pragma=busy_timeout(5000)")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// Load reads configuration from configPath, or from interpctl.{yaml,json,toml}
// in the working directory, $HOME/.interpx or /etc/interpx when configPath is
// empty. A missing default file is not an error. Environment variables
// override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("interpctl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.interpx")
		v.AddConfigPath("/etc/interpx")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: &Server{
			URL:     v.GetString("server.url"),
			Timeout: v.GetDuration("server.timeout"),
		},
		Poll: &Poll{
			Interval:    v.GetDuration("poll.interval"),
			MaxFailures: v.GetInt("poll.max_failures"),
		},
		Breaker: &Breaker{
			ConsecutiveFailures: v.GetUint32("breaker.consecutive_failures"),
			Cooldown:            v.GetDuration("breaker.cooldown"),
		},
		Redis: &Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Worker: &Worker{
			Queue:       v.GetString("worker.queue"),
			Concurrency: v.GetInt("worker.concurrency"),
		},
		Store: &Store{
			Driver: v.GetString("store.driver"),
			DSN:    v.GetString("store.dsn"),
		},
		Logger: &Logger{
			Level:  v.GetString("logger.level"),
			Format: v.GetString("logger.format"),
		},
		Viper: v,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return errors.New("config: server.url is required")
	}
	if c.Poll.MaxFailures < 0 {
		return fmt.Errorf("config: poll.max_failures must be >= 0, got %d", c.Poll.MaxFailures)
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}
