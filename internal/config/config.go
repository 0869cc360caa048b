package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go-groupchat/internal/chat"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config is the structure of the server config file.
type Config struct {
	Server   ServerSection   `toml:"server"`
	Database DatabaseSection `toml:"database"`
	Redis    RedisSection    `toml:"redis"`
	Auth     AuthSection     `toml:"auth"`
	Chat     ChatSection     `toml:"chat"`
}

type ServerSection struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	LogLevel       string   `toml:"log_level"`
	Development    bool     `toml:"development"`
}

// DatabaseSection configures Postgres. An empty DSN keeps all state in memory.
type DatabaseSection struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// RedisSection configures the shared revocation list and presence counters.
// An empty Addr disables both.
type RedisSection struct {
	Addr               string `toml:"addr"`
	Password           string `toml:"password"`
	DB                 int    `toml:"db"`
	PresenceTTLSeconds int    `toml:"presence_ttl_seconds"`
}

type AuthSection struct {
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

type ChatSection struct {
	SendBuffer            int `toml:"send_buffer"`
	MaxMessageSize        int `toml:"max_message_size"`
	WriteWaitSeconds      int `toml:"write_wait_seconds"`
	PongWaitSeconds       int `toml:"pong_wait_seconds"`
	PersistTimeoutSeconds int `toml:"persist_timeout_seconds"`
	HistoryLimit          int `toml:"history_limit"`
	MaxHistory            int `toml:"max_history"`
	StatsIntervalSeconds  int `toml:"stats_interval_seconds"`
}

func Default() Config {
	return Config{
		Server: ServerSection{
			Addr:     ":8080",
			LogLevel: "info",
		},
		Database: DatabaseSection{
			MaxOpenConns: 25,
		},
		Redis: RedisSection{
			PresenceTTLSeconds: 86400,
		},
		Auth: AuthSection{
			TokenTTLHours: 24,
		},
		Chat: ChatSection{
			SendBuffer:            256,
			MaxMessageSize:        4096,
			WriteWaitSeconds:      10,
			PongWaitSeconds:       60,
			PersistTimeoutSeconds: 5,
			HistoryLimit:          50,
			MaxHistory:            200,
			StatsIntervalSeconds:  60,
		},
	}
}

// Load reads a .env file if present, then the TOML file at path (missing is
// fine, defaults apply), then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg = applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides honours DB_DSN, JWT_SECRET and REDIS_ADDR plus
// CHAT_SECTION_KEY variables, e.g. CHAT_SERVER_ADDR=:9000.
func applyEnvOverrides(cfg Config) Config {
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.Database.DSN = val
	}
	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}

	// Server section
	if val := os.Getenv("CHAT_SERVER_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := os.Getenv("CHAT_SERVER_ALLOWED_ORIGINS"); val != "" {
		origins := strings.Split(val, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		cfg.Server.AllowedOrigins = origins
	}
	if val := os.Getenv("CHAT_SERVER_LOG_LEVEL"); val != "" {
		cfg.Server.LogLevel = val
	}
	if val := os.Getenv("CHAT_SERVER_DEVELOPMENT"); val != "" {
		if dev, err := strconv.ParseBool(val); err == nil {
			cfg.Server.Development = dev
		}
	}

	// Database section
	setInt("CHAT_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	// Redis section
	if val := os.Getenv("CHAT_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	setInt("CHAT_REDIS_DB", &cfg.Redis.DB)
	setInt("CHAT_REDIS_PRESENCE_TTL_SECONDS", &cfg.Redis.PresenceTTLSeconds)

	// Auth section
	setInt("CHAT_AUTH_TOKEN_TTL_HOURS", &cfg.Auth.TokenTTLHours)

	// Chat section
	setInt("CHAT_CHAT_SEND_BUFFER", &cfg.Chat.SendBuffer)
	setInt("CHAT_CHAT_MAX_MESSAGE_SIZE", &cfg.Chat.MaxMessageSize)
	setInt("CHAT_CHAT_WRITE_WAIT_SECONDS", &cfg.Chat.WriteWaitSeconds)
	setInt("CHAT_CHAT_PONG_WAIT_SECONDS", &cfg.Chat.PongWaitSeconds)
	setInt("CHAT_CHAT_PERSIST_TIMEOUT_SECONDS", &cfg.Chat.PersistTimeoutSeconds)
	setInt("CHAT_CHAT_HISTORY_LIMIT", &cfg.Chat.HistoryLimit)
	setInt("CHAT_CHAT_MAX_HISTORY", &cfg.Chat.MaxHistory)
	setInt("CHAT_CHAT_STATS_INTERVAL_SECONDS", &cfg.Chat.StatsIntervalSeconds)

	return cfg
}

func setInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.Chat.PongWaitSeconds <= 0 || c.Chat.WriteWaitSeconds <= 0 {
		return errors.New("chat.pong_wait_seconds and chat.write_wait_seconds must be positive")
	}
	if c.Chat.MaxHistory > 0 && c.Chat.HistoryLimit > c.Chat.MaxHistory {
		return fmt.Errorf("chat.history_limit %d exceeds chat.max_history %d", c.Chat.HistoryLimit, c.Chat.MaxHistory)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// HubConfig converts the chat section, keeping chat defaults for zero values.
func (c Config) HubConfig() chat.Config {
	cfg := chat.DefaultConfig()
	if c.Chat.SendBuffer > 0 {
		cfg.SendBuffer = c.Chat.SendBuffer
	}
	if c.Chat.MaxMessageSize > 0 {
		cfg.MaxMessageSize = int64(c.Chat.MaxMessageSize)
	}
	if c.Chat.WriteWaitSeconds > 0 {
		cfg.WriteWait = seconds(c.Chat.WriteWaitSeconds)
	}
	if c.Chat.PongWaitSeconds > 0 {
		cfg.PongWait = seconds(c.Chat.PongWaitSeconds)
	}
	if c.Chat.PersistTimeoutSeconds > 0 {
		cfg.PersistTimeout = seconds(c.Chat.PersistTimeoutSeconds)
	}
	if c.Chat.HistoryLimit > 0 {
		cfg.HistoryLimit = c.Chat.HistoryLimit
	}
	if c.Chat.MaxHistory > 0 {
		cfg.MaxHistory = c.Chat.MaxHistory
	}
	if c.Chat.StatsIntervalSeconds > 0 {
		cfg.StatsInterval = seconds(c.Chat.StatsIntervalSeconds)
	}
	cfg.AllowedOrigins = c.Server.AllowedOrigins
	return cfg
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

func (c Config) PresenceTTL() time.Duration {
	return seconds(c.Redis.PresenceTTLSeconds)
}

// Logger builds the process logger: JSON in production, console output with
// stack traces when server.development is set.
func (c Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Server.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Server.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(c.Server.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Server.LogLevel, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
