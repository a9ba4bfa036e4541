// Package config loads the relay settings from the environment, an optional
// .env file and an optional YAML file holding the channel set and static
// identities.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/router"
)

// Verifier kinds.
const (
	VerifierStatic    = "static"
	VerifierJWT       = "jwt"
	VerifierTokenInfo = "tokeninfo"
)

// Channel log backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// AuthConfig selects and configures the identity verifier.
type AuthConfig struct {
	Verifier          string        `env:"VERIFIER" envDefault:"static"`
	VerifyTimeout     time.Duration `env:"VERIFY_TIMEOUT" envDefault:"5s"`
	MaxAttempts       int           `env:"MAX_AUTH_ATTEMPTS" envDefault:"5"`
	HandshakeAuth     bool          `env:"HANDSHAKE_AUTH" envDefault:"true"`
	TokenQueryKey     string        `env:"TOKEN_QUERY_KEY" envDefault:"token"`
	JWTSecret         string        `env:"JWT_SECRET"`
	JWTIssuer         string        `env:"JWT_ISSUER"`
	TokenInfoURL      string        `env:"TOKENINFO_URL" envDefault:"https://oauth2.googleapis.com/tokeninfo"`
	TokenInfoAudience string        `env:"TOKENINFO_AUDIENCE"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string        `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	WriteWait       time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	PongWait        time.Duration `env:"PONG_WAIT" envDefault:"60s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogBackend      string        `env:"LOG_BACKEND" envDefault:"memory"`
	HistoryLimit    int           `env:"HISTORY_LIMIT" envDefault:"50"`
	ConfigFile      string        `env:"CONFIG_FILE"`
	RateLimit       RateLimitConfig
	Auth            AuthConfig

	// Populated from ConfigFile, or defaults.
	Channels   []router.Channel
	Identities map[string]protocol.Profile
}

type fileConfig struct {
	Channels   []router.Channel        `yaml:"channels"`
	Identities map[string]identityYAML `yaml:"identities"`
}

type identityYAML struct {
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Picture string `yaml:"picture"`
}

// DefaultChannels is the channel set used when no file provides one.
func DefaultChannels() []router.Channel {
	return []router.Channel{
		{Tag: "main", Description: "General discussion for everyone"},
		{Tag: "tech", Description: "Programming, hardware and everything technical"},
		{Tag: "social", Description: "Introductions, events and small talk"},
		{Tag: "support", Description: "Ask for help with the chat itself"},
		{Tag: "random", Description: "Anything that fits nowhere else"},
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored; existing variables are never overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment and, when CONFIG_FILE is
// set, from the YAML file it names.
func Load() (*Config, error) {
	var cfg Config
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	sanitize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if len(fc.Channels) > 0 {
		c.Channels = fc.Channels
	}
	if len(fc.Identities) > 0 {
		c.Identities = make(map[string]protocol.Profile, len(fc.Identities))
		for token, id := range fc.Identities {
			c.Identities[token] = protocol.Profile{Name: id.Name, Email: id.Email, PictureURL: id.Picture}
		}
	}
	return nil
}

// Validate reports settings that cannot be repaired with a default.
func (c *Config) Validate() error {
	switch c.Auth.Verifier {
	case VerifierStatic:
	case VerifierJWT:
		if c.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when VERIFIER=jwt")
		}
	case VerifierTokenInfo:
		if c.Auth.TokenInfoURL == "" {
			return errors.New("TOKENINFO_URL is required when VERIFIER=tokeninfo")
		}
	default:
		return fmt.Errorf("unknown VERIFIER %q", c.Auth.Verifier)
	}

	switch c.LogBackend {
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("unknown LOG_BACKEND %q", c.LogBackend)
	}

	if _, err := router.NewChannelSet(c.Channels); err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	return nil
}

func sanitize(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Auth.MaxAttempts < 0 {
		cfg.Auth.MaxAttempts = 0
	}
	if cfg.Auth.TokenQueryKey == "" {
		cfg.Auth.TokenQueryKey = "token"
	}
	cfg.Auth.Verifier = strings.ToLower(strings.TrimSpace(cfg.Auth.Verifier))
	cfg.LogBackend = strings.ToLower(strings.TrimSpace(cfg.LogBackend))
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels()
	}
}

// parseDuration accepts Go durations ("1500ms") and, for compatibility with
// older deployments, bare integers meaning seconds.
func parseDuration(value string) (interface{}, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}
