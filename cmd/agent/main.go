package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/call"
	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/ledger"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/internal/pubsub"
	"call-signaling/internal/signaling"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := ledger.EnsureSchema(rootCtx, db); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	broker := pubsub.NewRedisBroker(rdb, pubsub.WithChannelPrefix(cfg.Redis.ChannelPrefix))
	calls := ledger.NewService(
		ledger.NewPostgresRepo(db),
		ledger.NewPostgresDirectory(db),
		broker,
		ledger.WithAudit(audit.NewService(audit.NewPostgresRepo(db))),
		ledger.WithLogger(logger.Component(log, "ledger")),
	)
	sig := signaling.NewClient(broker, logger.Component(log, "signaling"))
	defer sig.Close()

	engines, err := media.NewPionFactory(media.PionConfig{
		ICEServers: media.ICEServersFromURLs(cfg.Call.ICEServers, cfg.Call.ICEUsername, cfg.Call.ICECredential),
	})
	if err != nil {
		log.Error("media init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := httpapi.NewEventHub(log)
	opts := call.OptionsFromConfig(cfg.Call)
	opts.Notifier = hub
	opts.Metrics = metrics.New(reg)
	opts.Logger = log
	mgr := call.NewManager(calls, sig, call.NegotiatorSessions(engines, logger.Component(log, "media")), opts)

	go func() {
		if err := call.NewListener(mgr, calls, log).Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("incoming listener stopped", "err", err)
		}
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Auth:       authManager,
		Calls:      mgr,
		Ledger:     calls,
		Events:     hub,
		SelfUserID: cfg.Call.SelfUserID,
	}, reg, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams are long-lived; writes are bounded per message instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("agent listening", "addr", srv.Addr, "env", cfg.App.Env, "user_id", cfg.Call.SelfUserID, "device", mgr.Device())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up first so peers see a terminal status rather than a timeout.
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("call manager shutdown failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
