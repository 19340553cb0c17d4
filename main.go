package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/internal/api"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/registry"
	"parley/internal/router"
	"parley/internal/tracker"
	"parley/internal/ws"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	who := fs.Bool("who", false, "Print the users online on a running server and exit")
	rooms := fs.Bool("rooms", false, "Print room statistics of a running server and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch {
	case *who:
		return commands.Who(ctx, cfg, os.Stdout)
	case *rooms:
		return commands.Rooms(ctx, cfg, os.Stdout)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rooms := chat.NewStore(cfg.Rooms, cfg.HistoryLimit)
	hub := ws.NewHub(cfg.OutboxSize, logger)
	rt := router.New(router.Deps{
		Registry: registry.New(),
		Rooms:    rooms,
		Tracker:  tracker.New(ctx, tracker.Config{Rooms: rooms, DedupTTL: cfg.DedupTTL}),
		Emitter:  hub,
		Logger:   logger,
	})
	gateway := ws.NewGateway(hub, rt)

	wsServer := ws.NewServer(ctx, gateway, ws.ServerConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		PingInterval:   cfg.PingInterval,
		Logger:         logger,
	})

	adminServer := http.NewAdminServer(api.NewAdminHandler(rt, gateway), cfg.AdminAddr)
	apiServer := http.NewAPIServer(api.New(rt), wsServer.HandleConnections, cfg.AllowedOrigins, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("Application error: %v", err)
	}
}
