// Package config loads the relay server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file
// (--config or CHAT_CONFIG), then environment variables, then command-line
// flags. Later layers win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/relay-chat/internal/chat"
)

type Config struct {
	Listen string `yaml:"listen"`

	// Store selects the persistence backend: "memory" or "postgres".
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	// RedisAddr enables the Redis online-flag mirror when set.
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`

	JWTSecret     string `yaml:"jwt_secret"`
	UserCacheSize int    `yaml:"user_cache_size"`

	Connection ConnectionConfig `yaml:"connection"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Seed is applied to the memory store at startup.
	Seed SeedConfig `yaml:"seed"`
}

// ConnectionConfig bounds each live connection.
type ConnectionConfig struct {
	SendQueue      int           `yaml:"send_queue"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
}

type SeedConfig struct {
	Users []string   `yaml:"users"`
	Rooms []SeedRoom `yaml:"rooms"`
}

type SeedRoom struct {
	Name    string   `yaml:"name"`
	Owner   string   `yaml:"owner"`
	Members []string `yaml:"members"`
}

func Default() Config {
	limits := chat.DefaultLimits()
	return Config{
		Listen:        "127.0.0.1:3000",
		Store:         "memory",
		JWTSecret:     "",
		UserCacheSize: 1024,
		Connection: ConnectionConfig{
			SendQueue:      limits.SendQueue,
			MaxMessageSize: limits.MaxMessageSize,
			PingInterval:   limits.PingInterval,
			PongWait:       limits.PongWait,
			WriteWait:      limits.WriteWait,
			RatePerSecond:  limits.RatePerSecond,
			RateBurst:      limits.RateBurst,
		},
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Limits converts the connection section for the relay core.
func (c ConnectionConfig) Limits() chat.Limits {
	return chat.Limits{
		SendQueue:      c.SendQueue,
		MaxMessageSize: c.MaxMessageSize,
		PingInterval:   c.PingInterval,
		PongWait:       c.PongWait,
		WriteWait:      c.WriteWait,
		RatePerSecond:  c.RatePerSecond,
		RateBurst:      c.RateBurst,
	}
}

// Options are the command-line switches that are not configuration.
type Options struct {
	MintToken string
	TokenTTL  time.Duration
	Migrate   bool
	Help      bool
}

// Load builds the configuration from args (without the program name) and the
// process environment.
func Load(args []string) (Config, Options, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, Options, error) {
	cfg := Default()
	var opts Options

	fs := pflag.NewFlagSet("relay-chat", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file (env CHAT_CONFIG)")
	listen := fs.String("listen", "", "address to listen on (env CHAT_LISTEN)")
	storeDriver := fs.String("store", "", "persistence backend: memory or postgres (env CHAT_STORE)")
	databaseURL := fs.String("database-url", "", "PostgreSQL connection string (env DATABASE_URL)")
	redisAddr := fs.String("redis-addr", "", "Redis address for the online-flag mirror (env REDIS_ADDR)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (env CHAT_LOG_LEVEL)")
	logFormat := fs.String("log-format", "", "json or console")
	sendQueue := fs.Int("send-queue", 0, "outbound frames buffered per connection")
	rate := fs.Float64("rate", 0, "inbound frames per second allowed per connection")
	fs.StringVar(&opts.MintToken, "mint-token", "", "print a signed token for this username and exit")
	fs.DurationVar(&opts.TokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by --mint-token")
	fs.BoolVar(&opts.Migrate, "migrate", false, "create PostgreSQL tables before serving")
	fs.BoolVarP(&opts.Help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return Config{}, opts, err
	}
	if opts.Help {
		fs.PrintDefaults()
		return cfg, opts, nil
	}

	path := *configPath
	if path == "" {
		path, _ = lookup("CHAT_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, opts, err
		}
	}

	applyEnv(&cfg, lookup)

	setString(&cfg.Listen, *listen)
	setString(&cfg.Store, *storeDriver)
	setString(&cfg.DatabaseURL, *databaseURL)
	setString(&cfg.RedisAddr, *redisAddr)
	setString(&cfg.LogLevel, *logLevel)
	setString(&cfg.LogFormat, *logFormat)
	if *sendQueue > 0 {
		cfg.Connection.SendQueue = *sendQueue
	}
	if *rate > 0 {
		cfg.Connection.RatePerSecond = *rate
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, opts, err
	}
	return cfg, opts, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("CHAT_LISTEN"); ok {
		setString(&cfg.Listen, v)
	}
	if v, ok := lookup("CHAT_STORE"); ok {
		setString(&cfg.Store, v)
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		setString(&cfg.DatabaseURL, v)
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		setString(&cfg.RedisAddr, v)
	}
	if v, ok := lookup("CHAT_JWT_SECRET"); ok {
		setString(&cfg.JWTSecret, v)
	}
	if v, ok := lookup("CHAT_LOG_LEVEL"); ok {
		setString(&cfg.LogLevel, v)
	}
	if v, ok := lookup("CHAT_SEND_QUEUE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Connection.SendQueue = n
		}
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required (CHAT_JWT_SECRET)"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.Connection.SendQueue <= 0 {
		errs = append(errs, errors.New("connection.send_queue must be positive"))
	}
	if c.Connection.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("connection.max_message_size must be positive"))
	}
	if c.Connection.PingInterval > 0 && c.Connection.PongWait <= c.Connection.PingInterval {
		errs = append(errs, errors.New("connection.pong_wait must exceed ping_interval"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}
