// Command sentinel runs the compliance and risk engine: it consumes platform
// events from Kafka, admits them through the decision pipeline, and exposes
// review and SAR queues plus an operational HTTP surface.
//
// Usage:
//
//	sentinel -config config.yaml
//	sentinel verify -config config.yaml [-tenant id]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/internal/audit"
	"github.com/veloxpay/sentinel/internal/cases"
	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/dispatch"
	"github.com/veloxpay/sentinel/internal/engine"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/internal/screening"
	"github.com/veloxpay/sentinel/internal/state"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "verify" {
		os.Exit(runVerify(args[1:]))
	}
	os.Exit(run(args))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sentinel", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	fs.Parse(args)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.NewManager(logger)
	if err := cfg.Load(*configPath); err != nil {
		sugar.Errorw("config load failed", "error", err)
		return 1
	}
	if err := cfg.Watch(); err != nil {
		sugar.Warnw("config watch unavailable", "error", err)
	}
	defer cfg.Close()
	engCfg := cfg.Engine()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clk := clock.System()

	auditLog, err := audit.Open(logger, clk, m, filepath.Join(engCfg.DataDir, "audit"))
	if err != nil {
		sugar.Errorw("audit store open failed", "error", err)
		return 1
	}
	defer auditLog.Close()

	store := state.NewStore(logger, clk, state.DefaultWindows(), engCfg.BaselineHalfLife)

	var cache screening.Cache
	local := screening.NewMemoryCache(clk)
	if engCfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     engCfg.Redis.Addr,
			Password: engCfg.Redis.Password,
			DB:       engCfg.Redis.DB,
		})
		cache = screening.NewRedisCache(logger, client, local)
		sugar.Infow("screening cache using redis tier", "addr", engCfg.Redis.Addr)
	} else {
		cache = local
	}
	screen := screening.NewService(sugar, clk, cache, m, engCfg.Workers)

	caseMgr := cases.NewManager(sugar, clk, m, nil)

	writers := make(map[dispatch.Sink]dispatch.Writer)
	if len(engCfg.Kafka.Brokers) > 0 {
		writers[dispatch.SinkReview] = &kafka.Writer{
			Addr:     kafka.TCP(engCfg.Kafka.Brokers...),
			Topic:    engCfg.Kafka.ReviewTopic,
			Balancer: &kafka.Hash{},
		}
		writers[dispatch.SinkSAR] = &kafka.Writer{
			Addr:     kafka.TCP(engCfg.Kafka.Brokers...),
			Topic:    engCfg.Kafka.SARTopic,
			Balancer: &kafka.Hash{},
		}
	}
	dispatcher := dispatch.New(sugar, m, writers)
	dispatcher.Start()

	intake := events.NewIntake(logger, clk, events.NewDeduper(engCfg.DedupeCapacity))

	eng := engine.New(engine.Options{
		Logger:     logger,
		Clock:      clk,
		Config:     cfg,
		Metrics:    m,
		Store:      store,
		Screening:  screen,
		CaseMgr:    caseMgr,
		AuditLog:   auditLog,
		Dispatcher: dispatcher,
		Intake:     intake,
	})
	if err := eng.RecoverAll(); err != nil {
		sugar.Errorw("state recovery failed", "error", err)
		return 1
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opsSrv := startOps(sugar, reg, engCfg.OpsListenAddr)

	consumeDone := make(chan struct{})
	if len(engCfg.Kafka.Brokers) > 0 {
		go func() {
			defer close(consumeDone)
			consume(rootCtx, sugar, eng, engCfg.Kafka)
		}()
	} else {
		close(consumeDone)
		sugar.Warn("no kafka brokers configured, engine is idle")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig.String())

	cancel()
	<-consumeDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		sugar.Warnw("engine drain incomplete", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		sugar.Warnw("dispatcher stop failed", "error", err)
	}
	if opsSrv != nil {
		opsSrv.Shutdown(shutdownCtx)
	}
	return 0
}

// consume reads platform events from the inbound topic and admits them.
// Offsets commit after Admit returns, so a crash replays rather than drops;
// the dedupe set absorbs the replays.
func consume(ctx context.Context, sugar *zap.SugaredLogger, eng *engine.Engine, kcfg config.KafkaConfig) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kcfg.Brokers,
		Topic:    kcfg.EventTopic,
		GroupID:  kcfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sugar.Warnw("event fetch failed", "error", err)
			continue
		}

		var ev events.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			sugar.Warnw("undecodable event dropped",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		} else if _, err := eng.Admit(ctx, &ev); err != nil {
			sugar.Debugw("event not admitted",
				"tenant", ev.TenantID,
				"event", ev.EventID,
				"error", err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			sugar.Warnw("offset commit failed", "error", err)
		}
	}
}

// startOps serves /metrics and /healthz.
func startOps(sugar *zap.SugaredLogger, reg *prometheus.Registry, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("ops listener failed", "error", err)
		}
	}()
	sugar.Infow("ops listener started", "addr", addr)
	return srv
}

// runVerify walks the audit chain of one or all tenants and reports the
// first broken link, if any.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("sentinel verify", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	tenantID := fs.String("tenant", "", "verify a single tenant (default: all)")
	fs.Parse(args)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer logger.Sync()

	cfg := config.NewManager(logger)
	if err := cfg.Load(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	auditLog, err := audit.Open(logger, clock.System(), metrics.NewNop(), filepath.Join(cfg.Engine().DataDir, "audit"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "audit store:", err)
		return 1
	}
	defer auditLog.Close()

	tenants := cfg.TenantIDs()
	if *tenantID != "" {
		tenants = []string{*tenantID}
	}

	broken := false
	for _, id := range tenants {
		ok, breakAt, err := auditLog.Verify(id, 0, 0)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "%s: verify failed: %v\n", id, err)
			broken = true
		case !ok:
			fmt.Printf("%s: chain BROKEN at seq %d\n", id, breakAt)
			broken = true
		default:
			seq, _ := auditLog.LastDurableSeq(id)
			fmt.Printf("%s: chain intact through seq %d\n", id, seq)
		}
	}
	if broken {
		return 1
	}
	return 0
}
