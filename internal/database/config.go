package database

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrInvalidConfig = errors.New("invalid database configuration")

// composeHost is the docker-compose service name. When it is the only
// configured host, local fallbacks are tried after it.
const composeHost = "db"

var localHosts = []string{"localhost", "127.0.0.1", "host.docker.internal"}

type PoolConfig struct {
	User           string
	Password       string
	DBName         string
	Port           int
	Hosts          []string
	MinConns       int
	MaxConns       int
	SSLMode        string
	ConnectTimeout time.Duration
}

type poolEnv struct {
	Host           string        `env:"POSTGRES_HOST"`
	Port           int           `env:"POSTGRES_PORT"`
	User           string        `env:"POSTGRES_USER"`
	Password       string        `env:"POSTGRES_PASSWORD"`
	DBName         string        `env:"POSTGRES_DB"`
	SSLMode        string        `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	ConnectTimeout time.Duration `env:"POSTGRES_CONNECT_TIMEOUT" envDefault:"5s"`
	MinConns       int           `env:"DB_POOL_MIN_CONN" envDefault:"1"`
	MaxConns       int           `env:"DB_POOL_MAX_CONN" envDefault:"10"`

	// Older deployments configured the database with MYSQL_* names.
	LegacyHost     string `env:"MYSQL_HOST"`
	LegacyPort     int    `env:"MYSQL_PORT"`
	LegacyUser     string `env:"MYSQL_USER"`
	LegacyPassword string `env:"MYSQL_PASSWORD"`
	LegacyDBName   string `env:"MYSQL_DATABASE"`
}

// PoolConfigFromEnv reads the pool configuration from the process
// environment. It is meant to be passed to NewManager as the config source
// so that environment changes are picked up on the next lease.
func PoolConfigFromEnv() (PoolConfig, error) {
	var e poolEnv
	if err := env.Parse(&e); err != nil {
		return PoolConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	port := firstNonZero(e.Port, e.LegacyPort, 5432)

	return PoolConfig{
		User:           firstNonEmpty(e.User, e.LegacyUser),
		Password:       firstNonEmpty(e.Password, e.LegacyPassword),
		DBName:         firstNonEmpty(e.DBName, e.LegacyDBName),
		Port:           port,
		Hosts:          ParseHosts(firstNonEmpty(e.Host, e.LegacyHost)),
		MinConns:       e.MinConns,
		MaxConns:       e.MaxConns,
		SSLMode:        e.SSLMode,
		ConnectTimeout: e.ConnectTimeout,
	}, nil
}

// ParseHosts splits a comma-separated host list. A lone "db" gets the local
// fallbacks appended and an empty list yields "db" plus the fallbacks.
func ParseHosts(raw string) []string {
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}

	if len(hosts) == 0 {
		return append([]string{composeHost}, localHosts...)
	}
	if len(hosts) == 1 && hosts[0] == composeHost {
		return append(hosts, localHosts...)
	}
	return hosts
}

func (c PoolConfig) validate() error {
	if c.User == "" || c.Password == "" || c.DBName == "" {
		return fmt.Errorf("%w: user, password and database name must be set", ErrInvalidConfig)
	}
	if c.MinConns < 1 {
		return fmt.Errorf("%w: min connections must be >= 1", ErrInvalidConfig)
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("%w: max connections must be >= min connections", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("%w: no hosts", ErrInvalidConfig)
	}
	return nil
}

// hostPort resolves a host list entry, which may carry its own port.
func (c PoolConfig) hostPort(host string) string {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return net.JoinHostPort(h, p)
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

func (c PoolConfig) dsn(host string) string {
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(max(1, int(c.ConnectTimeout.Seconds()))))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.hostPort(host),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

type poolKey struct {
	hosts          string
	user           string
	password       string
	dbName         string
	port           int
	minConns       int
	maxConns       int
	sslMode        string
	connectTimeout time.Duration
}

func (c PoolConfig) key() poolKey {
	return poolKey{
		hosts:          strings.Join(c.Hosts, ","),
		user:           c.User,
		password:       c.Password,
		dbName:         c.DBName,
		port:           c.Port,
		minConns:       c.MinConns,
		maxConns:       c.MaxConns,
		sslMode:        c.SSLMode,
		connectTimeout: c.ConnectTimeout,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
