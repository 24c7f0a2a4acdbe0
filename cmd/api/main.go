package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/MobasirSarkar/chatgateway/internal/config"
	"github.com/MobasirSarkar/chatgateway/internal/logging"
	"github.com/MobasirSarkar/chatgateway/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "path to a config file (json, yaml or toml)")
	seedPath := flag.String("seed", "", "path to a JSON file of rooms and media to create at startup")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	serverId := uuid.NewString()
	ctx := context.Background()

	deps, closeDeps, err := wire(ctx, cfg, serverId, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if *seedPath != "" {
		if err := seed(ctx, *seedPath, deps.Store); err != nil {
			logger.Error("seed failed", "err", err)
			_ = closeDeps()
			os.Exit(1)
		}
	}

	srv := server.New(deps, server.Options{
		ServerId:       serverId,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		WriteTimeout:   cfg.Http.WriteTimeout,
		PingInterval:   cfg.Http.PingInterval,
		MaxMessageSize: cfg.Http.MaxMessageSize,
		SendBuffer:     cfg.Session.SendBuffer,
		EchoOwn:        cfg.Session.EchoOwn,
		Welcome:        cfg.Session.Welcome,
		MaxInflight:    cfg.Session.MaxInflight,
		RateLimit:      rate.Limit(cfg.Session.RateLimit),
		RateBurst:      cfg.Session.RateBurst,
	})
	if err := srv.Start(cfg.Http.Addr); err != nil {
		logger.Error("http listen failed", "addr", cfg.Http.Addr, "err", err)
		_ = closeDeps()
		os.Exit(1)
	}
	logger.Info("chat gateway ready",
		"server_id", serverId,
		"bus", cfg.Bus.Driver,
		"store", cfg.Store.Driver,
		"presence", cfg.Presence.Driver,
		"ws", fmt.Sprintf("ws://localhost%s/ws/chat/{room}?token=...", cfg.Http.Addr),
	)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Shutdown,
		map[string]gfshutdown.Operation{
			"gateway": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				if err := srv.ShutdownGracefully(ctx); err != nil {
					logger.Warn("sessions did not drain", "err", err)
				}
				return closeDeps()
			},
		},
	)

	exitCode := <-wait
	logger.Info("stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}
