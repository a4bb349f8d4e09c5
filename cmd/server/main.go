package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pairpad/backend/internal/auth"
	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/lifecycle"
	"github.com/pairpad/backend/internal/question"
	"github.com/pairpad/backend/internal/session"
	"github.com/pairpad/backend/internal/store"
	"github.com/pairpad/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	port := flag.Int("port", 0, "override the configured listen port")
	dev := flag.Bool("dev", false, "development mode: console logging, permissive auth")
	flag.Parse()

	log := newLogger(*dev)
	defer log.Sync()

	if err := run(log, *configPath, *port, *dev); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

func run(log *zap.Logger, configPath string, portOverride int, dev bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.Dial(cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	st := store.New(redisClient, log)

	clk := clock.New()
	registry := session.NewRegistry(st, clk, log, cfg.Collab.SaveThrottle)
	if n, err := registry.LoadFrom(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	} else if n > 0 {
		log.Info("restored sessions from store", zap.Int("sessions", n))
	}

	verifier, err := newVerifier(cfg, dev)
	if err != nil {
		return err
	}
	lookup, err := newLookup(cfg, dev)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	srv := ws.NewServer(registry, hub, verifier, lookup, cfg.Collab, log)

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	heartbeat := lifecycle.NewHeartbeat(hub, cfg.Collab.HeartbeatInterval, clk, log)
	sweeper := lifecycle.NewSweeper(registry, cfg.Collab.SweepInterval, cfg.Collab.IdleGrace, clk, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		heartbeat.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Final snapshots: everything in memory reaches the store before exit.
	hub.CloseAll()
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.SaveAll(saveCtx)
	log.Info("shutdown complete")
	return err
}

func newVerifier(cfg *config.Config, dev bool) (auth.Verifier, error) {
	if cfg.Auth.VerifyURL != "" {
		return auth.NewHTTPVerifier(cfg.Auth.VerifyURL), nil
	}
	if !dev {
		return nil, errors.New("auth.verify_url is required outside -dev mode")
	}
	return devVerifier{}, nil
}

// devVerifier accepts any non-empty token as the user ID.
type devVerifier struct{}

func (devVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", auth.ErrUnauthorized
	}
	return token, nil
}

func newLookup(cfg *config.Config, dev bool) (question.Lookup, error) {
	if cfg.Question.LookupURL != "" {
		return question.NewHTTPLookup(cfg.Question.LookupURL), nil
	}
	if !dev {
		return nil, errors.New("question.lookup_url is required outside -dev mode")
	}
	return question.StaticLookup{ID: "dev-question", Title: "Development placeholder"}, nil
}
