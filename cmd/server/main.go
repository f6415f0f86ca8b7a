package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var (
	addr             string
	dsn              string
	signingKey       string
	allowedOrigins   string
	redisURL         string
	roomScopedTyping bool
	migrateOnStart   bool
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&allowedOrigins, "allowed-origins", "", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisURL, "redis-url", "", "mirror presence to this Redis server, e.g. redis://localhost:6379/0")
	flag.BoolVar(&roomScopedTyping, "room-scoped-typing", false, "deliver typing indicators only to the room they name")
	flag.BoolVar(&migrateOnStart, "migrate-on-start", true, "apply database migrations on start")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-chatrelay] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, redisURL)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.RoomScopedTyping = roomScopedTyping
	cfg.MigrateOnStart = migrateOnStart

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.MigrateOnStart {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	relayService := relay.NewRelayService(
		logger,
		api.NewTokenVerifier(cfg.SigningKey, dbConn),
		dbConn,
		statsUpdater,
		relay.Options{RoomScopedTyping: cfg.RoomScopedTyping},
	)

	var mirror *presence.RedisMirror
	if cfg.RedisURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := presence.Dial(dialCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer client.Close()

		mirror = presence.NewRedisMirror(logger, client, relayService.Snapshot)
		relayService.OnPresenceChange(mirror.Notify)
		go mirror.Run()
	}

	srv := api.NewChatRelayApp(mux, logger, relayService, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go relayService.Run()

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

	logger.Println("shutting down relay...")
	if err := relayService.Shutdown(shutDownCtx); err != nil {
		logger.Println("relay shutdown:", err)
	}

	if mirror != nil {
		mirror.Stop()
	}

	logger.Println("shutdown complete")
}
