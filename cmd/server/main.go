package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/jit-scheduler/internal/backend/ise"
	"example.com/jit-scheduler/internal/config"
	"example.com/jit-scheduler/internal/events"
	"example.com/jit-scheduler/internal/httpapi"
	"example.com/jit-scheduler/internal/keylock"
	"example.com/jit-scheduler/internal/naming"
	"example.com/jit-scheduler/internal/policy"
	"example.com/jit-scheduler/internal/registry"
	"example.com/jit-scheduler/internal/scheduler"
	"example.com/jit-scheduler/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	log := telemetry.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", cfg.LogAttrs()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing(), log)
	if err != nil {
		log.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	var reg registry.Registry
	switch cfg.Registry {
	case config.RegistryMemory:
		log.Warn("using in-memory registry; scheduled rules are lost on restart")
		reg = registry.NewMemory()
	default:
		db, err := registry.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		if err := registry.Migrate(db); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		reg = registry.NewGorm(db)
	}

	iseCfg := ise.Config{
		Host:             cfg.ISEHost,
		Username:         cfg.ISEUsername,
		Password:         cfg.ISEPassword,
		InsecureTLS:      cfg.ISEInsecureTLS,
		PolicySetName:    cfg.PolicySetName,
		ShellProfileName: cfg.ShellProfileName,
		CommandSetNames:  cfg.CommandSetNames,
		Retries:          3,
		RetryDelay:       time.Second,
	}
	gw := ise.New(iseCfg, telemetry.InstrumentClient(ise.NewHTTPClient(iseCfg)), log.With("component", "ise"))

	var locks keylock.Locker = keylock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis unavailable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		locks = keylock.NewRedis(rdb)
		log.Info("using redis key locks", "addr", cfg.RedisAddr)
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafka(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Error("kafka publisher", "error", err)
			os.Exit(1)
		}
		pub = k
	}
	defer pub.Close()

	admission, err := policy.NewAdmission(cfg.AdmissionExpr)
	if err != nil {
		log.Error("admission expression", "error", err)
		os.Exit(1)
	}

	names, err := naming.NewWithPatterns(cfg.RulePrefix, cfg.ManagedRulePatterns)
	if err != nil {
		log.Error("managed rule patterns", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(scheduler.Options{
		Registry:  reg,
		Gateway:   gw,
		Naming:    names,
		Locks:     locks,
		Admission: admission,
		Events:    pub,
		Logger:    log.With("component", "scheduler"),
		Retry: scheduler.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		SweepInterval:    cfg.SweepInterval,
		SweepWorkers:     cfg.SweepWorkers,
		DeletedRetention: cfg.DeletedRetention,
	})
	if err != nil {
		log.Error("scheduler", "error", err)
		os.Exit(1)
	}

	// Prerequisites are retried in the background; the process serves
	// health and revokes meanwhile.
	go sched.StartWithRetry(ctx, time.Minute)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sched.Run(ctx)
	}()

	handler := httpapi.NewRouter(httpapi.RouterConfig{
		ServiceName: telemetry.DefaultServiceName,
		Webhooks: &httpapi.WebhookHandler{
			Scheduler:     sched,
			Devices:       gw,
			ScheduleStart: cfg.ScheduleStart,
			ScheduleEnd:   cfg.ScheduleEnd,
			Logger:        log.With("component", "webhook"),
		},
		Rules: &httpapi.RuleHandler{Scheduler: sched},
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		stop()
	}
	<-sweepDone
	log.Info("stopped")
}
