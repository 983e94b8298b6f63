package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN escapes credentials and names so passwords may hold '@', ':' or '/'.
func (d DB) DSN() string {
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	q.Set("pool_max_conns", strconv.Itoa(d.MaxConns))
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Pass),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

type MQ struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Pass   string `yaml:"password"`
	VHost  string `yaml:"vhost"`
	UseTLS bool   `yaml:"tls"`
}

// Enabled reports whether cross-instance fan-out over RabbitMQ is configured.
func (m MQ) Enabled() bool { return m.Host != "" }

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Server struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// Budget is one rate limit class: MaxRequests per Window.
type Budget struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type RateLimit struct {
	// Store selects the shared counter backend: redis | postgres | memory.
	Store   string            `yaml:"store"`
	Budgets map[string]Budget `yaml:"budgets"`
}

type Orders struct {
	TaxRate string `yaml:"tax_rate"`
}

type Terminal struct {
	BaseURL      string        `yaml:"base_url"`
	DeviceID     string        `yaml:"device_id"`
	Role         string        `yaml:"role"`
	Channel      string        `yaml:"channel"`
	QueuePath    string        `yaml:"queue_path"`
	MaxAttempts  int           `yaml:"max_attempts"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	HealthEvery  time.Duration `yaml:"health_interval"`
}

type App struct {
	Server    Server    `yaml:"server"`
	Database  DB        `yaml:"database"`
	Rabbit    MQ        `yaml:"rabbitmq"`
	Redis     Redis     `yaml:"redis"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Orders    Orders    `yaml:"orders"`
	Terminal  Terminal  `yaml:"terminal"`
}

// Default returns a config with every optional value filled in.
func Default() App {
	return App{
		Server: Server{Port: 3000, ShutdownTimeout: 5 * time.Second, LogLevel: "info"},
		Database: DB{
			Port:     5432,
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Rabbit: MQ{Port: 5672, VHost: "/"},
		RateLimit: RateLimit{
			Store: "redis",
			Budgets: map[string]Budget{
				"order":   {MaxRequests: 10, Window: time.Minute},
				"table":   {MaxRequests: 10, Window: time.Minute},
				"upload":  {MaxRequests: 3, Window: time.Minute},
				"generic": {MaxRequests: 30, Window: time.Minute},
			},
		},
		Orders: Orders{TaxRate: "0.10"},
		Terminal: Terminal{
			BaseURL:      "http://localhost:3000",
			Role:         "waiter",
			Channel:      "service",
			QueuePath:    "terminal.db",
			MaxAttempts:  3,
			SyncInterval: 30 * time.Second,
			HealthEvery:  5 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
func Load(path string) (App, error) {
	a := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return App{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &a); err != nil {
			return App{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&a)
	fillBudgets(&a.RateLimit)
	return a, nil
}

// ValidateServer checks what order-service mode needs.
func (a App) ValidateServer() error {
	if a.Database.Host == "" || a.Database.User == "" || a.Database.Name == "" {
		return errors.New("invalid config: database host, user and database are required")
	}
	switch a.RateLimit.Store {
	case "redis":
		if a.Redis.Addr == "" {
			return errors.New("invalid config: rate_limit.store=redis needs redis.addr")
		}
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid config: unknown rate_limit.store %q", a.RateLimit.Store)
	}
	for class, b := range a.RateLimit.Budgets {
		if b.MaxRequests <= 0 || b.Window <= 0 {
			return fmt.Errorf("invalid config: rate limit class %q needs positive max_requests and window", class)
		}
	}
	return nil
}

// ValidateTerminal checks what waiter-terminal mode needs.
func (a App) ValidateTerminal() error {
	t := a.Terminal
	if t.BaseURL == "" || t.QueuePath == "" {
		return errors.New("invalid config: terminal base_url and queue_path are required")
	}
	if t.MaxAttempts <= 0 {
		return errors.New("invalid config: terminal max_attempts must be positive")
	}
	return nil
}

// fillBudgets keeps the default classes when a file only overrides some.
func fillBudgets(rl *RateLimit) {
	def := Default().RateLimit.Budgets
	if rl.Budgets == nil {
		rl.Budgets = def
		return
	}
	for class, b := range def {
		if _, ok := rl.Budgets[class]; !ok {
			rl.Budgets[class] = b
		}
	}
}

func applyEnv(a *App) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("DB_HOST", &a.Database.Host)
	num("DB_PORT", &a.Database.Port)
	str("DB_USER", &a.Database.User)
	str("DB_PASSWORD", &a.Database.Pass)
	str("DB_NAME", &a.Database.Name)
	str("RABBITMQ_HOST", &a.Rabbit.Host)
	num("RABBITMQ_PORT", &a.Rabbit.Port)
	str("RABBITMQ_USER", &a.Rabbit.User)
	str("RABBITMQ_PASSWORD", &a.Rabbit.Pass)
	str("REDIS_ADDR", &a.Redis.Addr)
	str("REDIS_PASSWORD", &a.Redis.Password)
	str("RATE_LIMIT_STORE", &a.RateLimit.Store)
	num("PORT", &a.Server.Port)
	str("LOG_LEVEL", &a.Server.LogLevel)
	str("TERMINAL_BASE_URL", &a.Terminal.BaseURL)
	str("TERMINAL_DEVICE_ID", &a.Terminal.DeviceID)
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
