package main

import (
	"CoinArena/internal/config"
	"CoinArena/internal/ingestion"
	"CoinArena/internal/observability"
	"CoinArena/internal/persistence"
	"CoinArena/internal/query"
	"CoinArena/internal/server"
	"CoinArena/internal/settlement"
	"CoinArena/internal/store"
	"CoinArena/internal/treasury"
	"CoinArena/migrations"
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const triggerConsumer = "settlement-worker"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: CoinArena settlement starting...")

	cfg, err := config.LoadSettlement()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrator"))
	if cfg.MigrationsDir != "" {
		migrator = persistence.NewDirMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	}
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Redis ---
	rdb, err := store.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer rdb.Close()
	log.Println("INFO: Redis connected")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	payouts := persistence.NewPayoutRepository(db)
	queryService := query.NewQueryService(payouts)

	errChan := make(chan error, 8)

	// --- Payout execution ---
	// Without a treasury key the process still serves payout status.
	var (
		submitter  server.PayoutSubmitter
		subscriber *ingestion.SettlementSubscriber
	)
	if cfg.CanSign() {
		chain, err := treasury.DialChain(ctx, cfg.ChainRPCURL, cfg.RPCTimeout, metrics)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer chain.Close()

		signer, err := treasury.NewSigner(cfg.TreasuryPrivateKey, cfg.ChainID)
		if err != nil {
			log.Fatalf("FATAL: treasury signer: %v", err)
		}
		log.Printf("INFO: treasury wallet %s on chain %d", signer.Address(), cfg.ChainID)

		locker := treasury.NewRedisLocker(rdb, cfg.NonceLockTTL, cfg.NonceLockWait)
		nonces := treasury.NewNonceAllocator(rdb, locker, chain, cfg.ChainID, metrics)

		executor := settlement.NewExecutor(payouts, chain, nonces, signer, settlement.ExecutorConfig{
			GasLimit:         cfg.GasLimit,
			FallbackGasPrice: big.NewInt(cfg.GasPriceWei),
			SendRetries:      cfg.SendRetries,
			SendBackoff:      cfg.SendBackoff,
		}, metrics, observability.NewLogger("executor"))

		filter, err := settlement.NewSettledFilter(cfg.DedupeCapacity,
			persistence.NewPostgresSettledChecker(db), metrics, observability.NewLogger("dedupe"))
		if err != nil {
			log.Fatalf("FATAL: settled filter: %v", err)
		}

		queue := settlement.NewQueue(filter.Wrap(executor), 1024, metrics, observability.NewLogger("queue"))
		go queue.Run(ctx)
		submitter = queue

		if cfg.AutoPayouts {
			worker := settlement.NewWorker(queue, filter, payouts, cfg.SweepInterval, observability.NewLogger("worker"))
			go func() {
				errChan <- worker.Run(ctx)
			}()

			nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
			if err != nil {
				log.Printf("WARN: nats connect: %v (relying on sweep)", err)
			} else {
				defer nc.Close()
				if err := ingestion.EnsureSettlementStream(ctx, js); err != nil {
					log.Fatalf("FATAL: ensure settlement stream: %v", err)
				}
				subscriber = ingestion.NewSettlementSubscriber(js, worker.HandleTrigger, observability.NewLogger("subscriber"))
				if err := subscriber.Subscribe(ctx, triggerConsumer); err != nil {
					log.Fatalf("FATAL: nats subscribe: %v", err)
				}
				log.Println("INFO: NATS connected, consuming settlement triggers")
			}
		} else {
			log.Println("INFO: automatic payouts disabled (COINARENA_AUTO_PAYOUTS=false)")
		}
	} else {
		log.Println("WARN: no treasury key configured, payout execution disabled")
	}

	// --- Ops surface ---
	opsServer := server.NewOpsServer(cfg.GRPCAddr, cfg.HTTPAddr, server.OpsDeps{
		Payouts:       queryService,
		Submitter:     submitter,
		Pending:       payouts,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           observability.NewLogger("ops"),
	})

	go func() {
		errChan <- opsServer.StartGRPC(ctx)
	}()

	go func() {
		errChan <- opsServer.StartHTTPGateway(ctx)
	}()

	// Prometheus metrics server
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

	healthChecker.SetReady(true)

	log.Printf("INFO: settlement ready (auto_payouts=%t, grpc=%s, http=%s, metrics=%s)",
		cfg.AutoPayouts, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	log.Println("INFO: settlement shutdown complete")
}
