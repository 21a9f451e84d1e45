package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmdorta1111/AirTable-sub004/internal/config"
	"github.com/dmdorta1111/AirTable-sub004/internal/fanout"
	"github.com/dmdorta1111/AirTable-sub004/internal/logging"
	"github.com/dmdorta1111/AirTable-sub004/internal/redis"
	"github.com/dmdorta1111/AirTable-sub004/internal/registry"
	"github.com/dmdorta1111/AirTable-sub004/internal/relay"
	"github.com/dmdorta1111/AirTable-sub004/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(connectCtx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	return client
}

// runSweeper disconnects heartbeat-expired connections on a fixed cadence.
func runSweeper(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.SweepDeadConnections()
		case <-ctx.Done():
			return
		}
	}
}

func runGracefulShutdown(srv *server.Server, reg *registry.Registry, rel *relay.Relay, rdb *goredis.Client, stopSweeper context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopSweeper()
		reg.Close("server shutting down")

		// Stop the listener before releasing the broker connection so no
		// handler fires against a closed client.
		rel.Close()
		if err := rdb.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	rdb := setupRedis(ctx, cfg)

	instanceID := uuid.NewString()
	rel := relay.New(rdb, cfg.ChannelPrefix, instanceID)

	reg := registry.New(registry.Options{
		Clock:            clockwork.NewRealClock(),
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		MaxConnections:   cfg.MaxConnections,
		OnFirstSubscriber: func(channel string) {
			rel.Subscribe(ctx, channel)
		},
		OnLastSubscriber: func(channel string) {
			rel.Unsubscribe(ctx, channel)
		},
	})

	publisher := fanout.New(reg, rel, cfg.ChannelPrefix)

	rel.StartListener(ctx)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go runSweeper(sweepCtx, reg, cfg.SweepInterval)

	srv := server.NewServer(cfg, reg, publisher, rdb)

	done := runGracefulShutdown(srv, reg, rel, rdb, stopSweeper)

	slog.Info("Realtime server starting", "instance_id", instanceID, "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
