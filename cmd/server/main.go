package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/strike/internal/api"
	"github.com/npezzotti/strike/internal/cache"
	"github.com/npezzotti/strike/internal/config"
	"github.com/npezzotti/strike/internal/database"
	"github.com/npezzotti/strike/internal/ephemeral"
	"github.com/npezzotti/strike/internal/quota"
	"github.com/npezzotti/strike/internal/session"
	"github.com/npezzotti/strike/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "", "server address, overrides SERVER_ADDR")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS, overrides ALLOWED_ORIGINS")
	flag.Parse()

	logger := log.New(os.Stderr, "[strike] ", log.LstdFlags)

	cfg, err := config.Load(logger, addr)
	if err != nil {
		logger.Fatal("config: ", err)
	}
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	selector := cache.NewSelector(cfg.Redis, logger)
	defer selector.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	client := selector.Client(startCtx)
	cancelStart()

	sessions, err := session.NewManager(session.Options{
		CookieName: cfg.SessionCookie,
		MaxAge:     cfg.SessionMaxAge,
		SameSite:   cfg.SessionSameSite,
		Secure:     cfg.SessionSecure,
		Secret:     cfg.SigningKey,
	}, client, logger)
	if err != nil {
		logger.Fatal("session manager: ", err)
	}

	pool := database.NewManager(database.PoolConfigFromEnv, logger)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	rooms := ephemeral.New(cfg.EphemeralExpiration, client, logger)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterFunc(stats.ActiveRooms, func() any {
		return rooms.LocalLen()
	})

	srv := api.NewStrikeApp(mux, logger, api.Services{
		Rooms:       rooms,
		Quota:       quota.NewLimiter(client, logger),
		Sessions:    sessions,
		DB:          pool,
		Stats:       statsUpdater,
		SharedCache: client != nil,
	}, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
