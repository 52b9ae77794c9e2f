package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultSessionCookie = "session"
	defaultSessionMaxAge = 30 * 24 * time.Hour
)

type Config struct {
	ServerAddr     string
	Production     bool
	SigningKey     []byte
	AllowedOrigins []string

	SessionCookie   string
	SessionMaxAge   time.Duration
	SessionSameSite http.SameSite
	SessionSecure   bool

	EphemeralExpiration time.Duration

	Redis RedisConfig
}

// RedisConfig holds the shared cache address. An empty URL and Host means
// no shared cache is deployed.
type RedisConfig struct {
	URL      string `env:"REDIS_URL"`
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Password string `env:"REDIS_PASSWORD"`
}

func (c RedisConfig) Configured() bool {
	return c.URL != "" || c.Host != ""
}

type environment struct {
	ServerAddr          string        `env:"SERVER_ADDR" envDefault:"localhost:8000"`
	AppEnv              string        `env:"APP_ENV"`
	LegacyEnv           string        `env:"FLASK_ENV"`
	SessionSecret       string        `env:"SESSION_SECRET"`
	LegacySecret        string        `env:"FASTAPI_SECRET_KEY"`
	SessionCookie       string        `env:"SESSION_COOKIE" envDefault:"session"`
	SessionMaxAge       time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`
	EphemeralExpiration time.Duration `env:"EPHEMERAL_EXPIRATION" envDefault:"1h"`
	AllowedOrigins      []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	Redis               RedisConfig
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Load reads an optional .env file and the process environment. serverAddr
// overrides SERVER_ADDR when non-empty.
func Load(logger *log.Logger, serverAddr string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, continuing with environment variables")
	}

	var e environment
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return newConfig(logger, e, serverAddr)
}

func newConfig(logger *log.Logger, e environment, serverAddr string) (*Config, error) {
	if serverAddr == "" {
		serverAddr = e.ServerAddr
	}
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	runtimeEnv := e.AppEnv
	if runtimeEnv == "" && e.LegacyEnv != "" {
		logger.Println("FLASK_ENV is deprecated, use APP_ENV instead")
		runtimeEnv = e.LegacyEnv
	} else if e.LegacyEnv != "" && e.LegacyEnv != runtimeEnv {
		logger.Println("APP_ENV and FLASK_ENV differ, using APP_ENV")
	}
	production := strings.EqualFold(runtimeEnv, "production")

	var signingKey []byte
	switch {
	case e.SessionSecret != "":
		// Decode the base64 encoded signing secret
		key, err := decodeSigningSecret(e.SessionSecret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		signingKey = key
	case e.LegacySecret != "":
		logger.Println("FASTAPI_SECRET_KEY is deprecated, use SESSION_SECRET instead")
		signingKey = []byte(e.LegacySecret)
	default:
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	cookieName := e.SessionCookie
	if cookieName == "" {
		cookieName = defaultSessionCookie
	}
	maxAge := e.SessionMaxAge
	if maxAge <= 0 {
		logger.Printf("invalid SESSION_MAX_AGE %s, using %s", maxAge, defaultSessionMaxAge)
		maxAge = defaultSessionMaxAge
	}
	if e.EphemeralExpiration <= 0 {
		return nil, fmt.Errorf("ephemeral expiration must be positive")
	}

	// Cross-site cookies are required in production for the OAuth redirect
	// back to the app.
	sameSite, secure := http.SameSiteLaxMode, false
	if production {
		sameSite, secure = http.SameSiteNoneMode, true
	}

	return &Config{
		ServerAddr:          serverAddr,
		Production:          production,
		SigningKey:          signingKey,
		AllowedOrigins:      e.AllowedOrigins,
		SessionCookie:       cookieName,
		SessionMaxAge:       maxAge,
		SessionSameSite:     sameSite,
		SessionSecure:       secure,
		EphemeralExpiration: e.EphemeralExpiration,
		Redis:               e.Redis,
	}, nil
}
