package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ogurasousui/face-attendance/internal/adapters/http/handler"
	"github.com/ogurasousui/face-attendance/internal/app"
	"github.com/ogurasousui/face-attendance/internal/platform/config"
	"github.com/ogurasousui/face-attendance/internal/platform/server"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env は任意です。
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "assets/local.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer a.Close()

	router := handler.NewRouter(handler.Handlers{
		Health:     handler.NewHealthHandler(a.Pool),
		Employees:  handler.NewEmployeeHandler(a.Employees),
		Registries: handler.NewRegistryHandler(a.Registries),
		Attendance: handler.NewAttendanceHandler(a.Resolver),
	}, requestTimeout)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := server.New(cfg.Server.ListenAddr, a.Pool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("gRPC health server listening on %s", cfg.Server.ListenAddr)
		return grpcServer.Run(gctx)
	})
	g.Go(func() error {
		return a.Matcher.Run(gctx, cfg.Biometric.RefreshInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server stopped with error: %v", err)
	}
}
