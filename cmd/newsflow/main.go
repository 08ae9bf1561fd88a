package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"newsflow/internal/api"
	"newsflow/internal/backpressure"
	"newsflow/internal/config"
	"newsflow/internal/db"
	rewrite "newsflow/internal/handlers/rewrite"
	transitionjob "newsflow/internal/handlers/transition"
	"newsflow/internal/ledger"
	"newsflow/internal/provider"
	"newsflow/internal/queue"
	"newsflow/internal/scheduler"
	"newsflow/internal/transition"
	"newsflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr    = flag.String("addr", cfg.HTTPAddr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.SQLitePath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Workers, "number of worker goroutines")
		poll    = flag.Duration("poll", cfg.PollInterval, "poll interval for queue")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()
	cfg.HTTPAddr, cfg.SQLitePath, cfg.Workers, cfg.PollInterval = *addr, *dbPath, *workers, *poll

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open store")
	}
	defer st.close()

	healthStore, closeHealth := openHealthStore(ctx, cfg)
	defer closeHealth()

	router := provider.NewRouter(
		provider.FromConfig(cfg.ProviderWeights, cfg.ProviderEndpoints, cfg.ProviderKeys),
		provider.Options{
			Default:          cfg.DefaultProvider,
			FailureThreshold: cfg.CircuitThreshold,
			Cooldown:         cfg.CircuitCooldown,
			Store:            healthStore,
		},
	)
	guard := transition.NewGuard(st.content)
	gate := backpressure.NewGate(st.repo, cfg.QueueLimits, cfg.DefaultQueueLimit)

	// Handlers registry
	handlers := map[string]worker.Handler{
		rewrite.JobType:       rewrite.New(router, guard, &http.Client{Timeout: cfg.ProviderTimeout}),
		transitionjob.JobType: transitionjob.New(guard),
	}

	pool := worker.NewPool(st.repo, ledger.New(st.ledger), handlers, worker.Options{
		Size:       cfg.Workers,
		PollEvery:  cfg.PollInterval,
		Queues:     cfg.Queues,
		BackoffCap: cfg.BackoffCap,
	})
	sched := scheduler.NewService(st.repo, gate, scheduler.Options{
		Interval:     cfg.ScheduleInterval,
		SweepSpec:    cfg.SweepSpec,
		StaleRunning: cfg.StaleRunning,
		StaleQueued:  cfg.StaleQueued,
	})

	// jobs orphaned by a previous crash
	if _, err := sched.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("startup stale sweep")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Repo:               st.repo,
			Gate:               gate,
			Guard:              guard,
			Router:             router,
			Scheduler:          sched,
			DefaultMaxAttempts: cfg.DefaultMaxAttempts,
			StaleRunning:       cfg.StaleRunning,
			StaleQueued:        cfg.StaleQueued,
			Debug:              *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("app", "newsflow").Logger()
}

type stores struct {
	repo    queue.Repository
	ledger  ledger.Store
	content transition.Store
	close   func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return stores{}, err
		}
		log.Info().Msg("using postgres store")
		return stores{
			repo:    queue.NewPostgresRepo(pool),
			ledger:  ledger.NewPostgresStore(pool),
			content: transition.NewPostgresStore(pool),
			close:   pool.Close,
		}, nil
	default:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return stores{
			repo:    queue.NewSQLiteRepo(conn),
			ledger:  ledger.NewSQLiteStore(conn),
			content: transition.NewSQLiteStore(conn, cfg.LockTTL),
			close:   func() { _ = conn.Close() },
		}, nil
	}
}

func openHealthStore(ctx context.Context, cfg config.Config) (provider.HealthStore, func()) {
	if cfg.HealthStore != "redis" {
		return provider.NewMemoryHealthStore(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("provider health shared via redis")
	return provider.NewRedisHealthStore(rdb, cfg.RedisPrefix, cfg.HealthTTL), func() { _ = rdb.Close() }
}
