package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/avoronova/coursecraft/internal/config"
	"github.com/avoronova/coursecraft/internal/database"
	"github.com/avoronova/coursecraft/internal/generator"
	"github.com/avoronova/coursecraft/internal/jobstore"
	"github.com/avoronova/coursecraft/internal/metrics"
	"github.com/avoronova/coursecraft/internal/redis"
	"github.com/avoronova/coursecraft/internal/repository"
	"github.com/avoronova/coursecraft/internal/runner"
	"github.com/avoronova/coursecraft/internal/server"
	"github.com/avoronova/coursecraft/internal/storage"
	httpapi "github.com/avoronova/coursecraft/internal/transport/http"
)

func main() {
	cfg := appconfig.Load()
	slog.Info("starting coursecraft", "addr", cfg.HTTPAddr, "gen_workers", cfg.GenWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.MustRegister()

	db, err := database.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	redisService, err := redis.New(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to Redis", "err", err)
		os.Exit(1)
	}
	defer redisService.Close()

	storageService, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}

	repo := repository.New(db)
	gen := generator.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GenWorkers)

	jobs := jobstore.New(cfg.JobRetention)
	jobs.StartReaper(ctx, cfg.ReapInterval)
	jobRunner := runner.New(jobs, gen, repo, cfg.JobMaxDuration)

	handlers := &httpapi.Handlers{
		Jobs:    jobs,
		Runner:  jobRunner,
		Repo:    repo,
		Storage: storageService,
		Redis:   redisService,
		Config:  cfg,
	}
	r := server.NewRouter(handlers)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	slog.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancel()
}
