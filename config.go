package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/database"
	"github.com/CrowderSoup/kanban-sync/services"
)

const (
	EnvDev   = "dev"
	EnvProd  = "prod"
	EnvLocal = "local"
)

type Config struct {
	Env  string `env:"ENV" env-default:"local"`
	HTTP HTTPConfig
	DB   DBConfig
	WS   WSConfig
}

type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST"`
	Port            string        `env:"HTTP_PORT" env-default:"3001"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	// AllowedOrigins of browser clients; "*" allows any.
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

type DBConfig struct {
	Driver string `env:"DB_DRIVER" env-default:"sqlite3"`
	DSN    string `env:"DB_DSN" env-default:"./kanban.db"`
}

type WSConfig struct {
	PingPeriod time.Duration `env:"WS_PING_PERIOD" env-default:"54s"`
	PongWait   time.Duration `env:"WS_PONG_WAIT" env-default:"60s"`
}

// LoadConfig reads envFile into the environment, if it exists, and then the
// environment into a Config. Variables already set take precedence over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg := new(Config)
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	switch cfg.Env {
	case EnvDev, EnvProd, EnvLocal:
	default:
		return nil, fmt.Errorf("unknown env: %s", cfg.Env)
	}
	return cfg, nil
}

func (c *Config) database() database.Config {
	return database.Config{Driver: c.DB.Driver, DSN: c.DB.DSN}
}

func (c *Config) hub() services.HubOptions {
	return services.HubOptions{PingPeriod: c.WS.PingPeriod, PongWait: c.WS.PongWait}
}

// NewLogger builds the application logger for env. Local runs get a
// human-readable console, the others JSON lines.
func NewLogger(env string, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch env {
	case EnvDev:
		level = zerolog.DebugLevel
	case EnvLocal:
		level = zerolog.TraceLevel
		cw := zerolog.NewConsoleWriter()
		cw.TimeFormat = time.DateTime
		cw.Out = out
		out = cw
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()
}
