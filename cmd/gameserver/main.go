package main

import (
	"CoinArena/internal/config"
	"CoinArena/internal/core"
	"CoinArena/internal/ingestion"
	"CoinArena/internal/observability"
	"CoinArena/internal/persistence"
	"CoinArena/internal/server"
	"CoinArena/internal/store"
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: CoinArena game server starting...")

	cfg, err := config.LoadGameServer()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Redis ---
	rdb, err := store.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer rdb.Close()
	matchStore := store.NewRedisStore(rdb)
	log.Println("INFO: Redis connected")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// --- NATS ---
	// Triggers are hints: without NATS the settlement sweep still finds
	// every PENDING payout.
	var notifier core.SettlementNotifier
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Printf("WARN: nats connect: %v (settlement triggers disabled)", err)
	} else {
		defer nc.Close()
		if err := ingestion.EnsureSettlementStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure settlement stream: %v", err)
		}
		notifier = ingestion.NewSettlementPublisher(js, observability.NewLogger("publisher"))
		log.Println("INFO: NATS connected")
	}

	// --- Scheduler ---
	hub := server.NewHub(cfg.WSSendBuffer, metrics, observability.NewLogger("hub"))
	finalizer := core.NewFinalizer(
		matchStore,
		persistence.NewPostgresLedger(db),
		notifier,
		metrics,
		observability.NewLogger("finalizer"),
	)
	scheduler := core.NewScheduler(
		matchStore,
		finalizer,
		hub,
		cfg.TickInterval,
		metrics,
		observability.NewLogger("scheduler"),
	)

	// --- Start goroutines ---
	errChan := make(chan error, 4)

	// 1. Tick scheduler
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := scheduler.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// 2. Spectator websocket server
	wsHandler := server.NewWSHandler(hub, matchStore, observability.NewLogger("ws"))
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           wsHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		wsServer.Shutdown(shutCtx)
	}()
	go func() {
		log.Printf("INFO: websocket server listening on %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("websocket server: %w", err)
		}
	}()

	// 3. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Printf("INFO: game server ready (tick=%s, ws=%s, metrics=%s)",
		cfg.TickInterval, cfg.WSAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	cancel()

	// Run returns once the in-flight cycle has saved.
	<-schedDone
	log.Println("INFO: game server shutdown complete")
}
