package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	apihttp "meterbridge/internal/api/http"
	consumptionrepo "meterbridge/internal/consumption/infrastructure/postgres"
	"meterbridge/internal/engine"
	invoicerepo "meterbridge/internal/invoice/infrastructure/postgres"
	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/portal"
	"meterbridge/internal/session"
	"meterbridge/internal/statistics"
	"meterbridge/internal/tariff"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	authClient, err := portal.NewAuthClient(cfg.TokenURL, cfg.ClientID, logger)
	if err != nil {
		logger.Fatalf("auth client error: %v", err)
	}
	sessions, err := session.NewManager(authClient, cfg.RefreshToken, logger)
	if err != nil {
		logger.Fatalf("session manager error: %v", err)
	}
	client, err := portal.NewClient(cfg.PortalBaseURL, cfg.SubscriptionKey, cfg.POD, sessions, logger)
	if err != nil {
		logger.Fatalf("portal client error: %v", err)
	}

	consumptionLedgers := consumptionrepo.NewLedgerRepository(db)
	invoiceLedgers := invoicerepo.NewLedgerRepository(db)
	statsStore := statistics.NewPostgresStore(db)
	bridge, err := statistics.NewBridge(statsStore, statsStore, logger)
	if err != nil {
		logger.Fatalf("statistics bridge error: %v", err)
	}

	eng, err := engine.NewEngine(
		sessions,
		client,
		client,
		consumptionLedgers,
		invoiceLedgers,
		bridge,
		cfg.Namespace,
		cfg.POD,
		tariff.Scheme(cfg.Tariff),
		logger,
		engine.WithLookbackDays(cfg.LookbackDays),
		engine.WithDelayDays(cfg.DelayDays),
		engine.WithImportDefaultDays(cfg.ImportDefaultDays),
	)
	if err != nil {
		logger.Fatalf("engine error: %v", err)
	}
	if err := eng.Load(context.Background()); err != nil {
		logger.Fatalf("ledger load error: %v", err)
	}

	go runCycles(eng, cfg.ScanInterval, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", apihttp.NewStatusHandler(eng, sessions))
	mux.Handle("/api/v1/import", apihttp.NewImportHandler(eng))
	mux.Handle("/api/v1/statement", apihttp.NewStatementHandler(eng))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Printf("meterbridge listening on %s (pod %s, tariff %s)", cfg.HTTPAddr, cfg.POD, cfg.Tariff)
	logger.Fatal(server.ListenAndServe())
}

// runCycles drives the reconciliation loop. The first cycle runs
// immediately so a restart does not wait a full interval to catch up.
func runCycles(eng *engine.Engine, interval time.Duration, logger *log.Logger) {
	run := func() {
		result, err := eng.RunCycle(context.Background())
		if errors.Is(err, engine.ErrCycleInProgress) {
			return
		}
		if err != nil && result.Terminal {
			logger.Printf("cycle halted, reauthorization required: %v", err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		run()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(started))
	})
}
