// Package config loads server settings from defaults, an optional YAML file,
// an optional .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds every server setting. List-valued settings are separated by
// commas, except BotMessages which uses "|" so messages may contain commas.
type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR" yaml:"listen_addr" validate:"required"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" yaml:"allowed_origins"`

	StoreBackend string        `env:"STORE_BACKEND" yaml:"store_backend" validate:"oneof=memory redis sqlite"`
	RedisAddr    string        `env:"REDIS_ADDR" yaml:"redis_addr" validate:"required_if=StoreBackend redis"`
	SQLitePath   string        `env:"SQLITE_PATH" yaml:"sqlite_path" validate:"required_if=StoreBackend sqlite"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" yaml:"store_timeout" validate:"gt=0"`

	RecentLimit       int `env:"RECENT_LIMIT" yaml:"recent_limit" validate:"gt=0"`
	CatchUpLimit      int `env:"CATCH_UP_LIMIT" yaml:"catch_up_limit" validate:"gt=0"`
	MaxNicknameLength int `env:"MAX_NICKNAME_LENGTH" yaml:"max_nickname_length" validate:"gt=0"`
	MaxPostLength     int `env:"MAX_POST_LENGTH" yaml:"max_post_length" validate:"gt=0"`

	BotInterval  time.Duration `env:"BOT_INTERVAL" yaml:"bot_interval" validate:"gte=0"`
	BotNicknames string        `env:"BOT_NICKNAMES" yaml:"bot_nicknames"`
	BotMessages  string        `env:"BOT_MESSAGES" yaml:"bot_messages"`

	SendBufferSize int           `env:"SEND_BUFFER_SIZE" yaml:"send_buffer_size" validate:"gt=0"`
	MaxConns       int           `env:"MAX_CONNS" yaml:"max_conns" validate:"gte=0"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" yaml:"idle_timeout" validate:"gte=0"`
	PostRate       float64       `env:"POST_RATE" yaml:"post_rate" validate:"gte=0"`
	PostBurst      int           `env:"POST_BURST" yaml:"post_burst" validate:"gte=0"`
	ConnectRate    float64       `env:"CONNECT_RATE" yaml:"connect_rate" validate:"gte=0"`
	ConnectBurst   int           `env:"CONNECT_BURST" yaml:"connect_burst" validate:"gte=0"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format" validate:"oneof=console json"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:        ":5000",
		AllowedOrigins:    "http://localhost:5173",
		StoreBackend:      "memory",
		StoreTimeout:      2 * time.Second,
		RecentLimit:       5,
		CatchUpLimit:      100,
		MaxNicknameLength: 32,
		MaxPostLength:     280,
		BotInterval:       30 * time.Second,
		BotNicknames:      "Bot1,Bot2,Bot3,Bot4,Bot5",
		BotMessages: strings.Join([]string{
			"¡Qué día tan bonito!",
			"Acabo de ver una película genial.",
			"Noticias frescas por aquí.",
			"Hora de un café.",
			"Pensando en voz alta...",
		}, "|"),
		SendBufferSize: 16,
		PostRate:       1,
		PostBurst:      5,
		ConnectRate:    2,
		ConnectBurst:   10,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A .env file in the working directory is loaded into the
// environment when present, without overriding variables already set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.BotInterval > 0 && (len(c.Bots()) == 0 || len(c.Messages()) == 0) {
		return errors.New("invalid config: bot traffic needs at least one nickname and one message")
	}
	return nil
}

// Origins returns the allowed client origins.
func (c Config) Origins() []string { return splitList(c.AllowedOrigins, ",") }

// Bots returns the synthetic identity nicknames.
func (c Config) Bots() []string { return splitList(c.BotNicknames, ",") }

// Messages returns the synthetic message pool.
func (c Config) Messages() []string { return splitList(c.BotMessages, "|") }

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
