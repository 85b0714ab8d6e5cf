package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"VaultLedger/internal/analytics"
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/pipeline"
	"VaultLedger/internal/pricing"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/resolver"
	"VaultLedger/internal/server"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("could not load .env")
	}
	cfg := DefaultConfig()
	logger.Info().Msg("VaultLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrations := persistence.DefaultMigrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, migrations).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	store := persistence.NewPostgresStore(db)
	eventLog := persistence.NewEventLogWriter(db)
	snapMgr := persistence.NewSnapshotManager(db)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", store.Ping)

	// --- Adapter name resolver ---
	var adapterNames resolver.Resolver = resolver.Static{}
	if cfg.RPCURL != "" {
		eth, client, err := resolver.DialEthResolver(ctx, cfg.RPCURL, 5*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Msg("dial rpc")
		}
		defer client.Close()
		adapterNames = eth
	} else {
		logger.Warn().Msg("VAULT_RPC_URL not set, adapter names resolve to Unknown")
	}

	// --- Indexer ---
	persistCoreChan := make(chan core.Output, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.Output, cfg.ProjectionChanSize)
	publishChan := make(chan core.Output, cfg.PublishChanSize)

	indexer, err := core.NewIndexer(core.Config{
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Resolver:       resolver.NewCached(adapterNames, metrics),
		Encode:         ingestion.EncodeEvent,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		PublishChan:    publishChan,
		Metrics:        metrics,
		Logger:         observability.NewLogger("indexer"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create indexer")
	}

	// --- Recovery: snapshot + replay + LRU warm ---
	if err := recoverState(ctx, indexer, snapMgr, eventLog, logger); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure inbound stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 1)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(ctx, cfg.Consumer); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Pricing ---
	source := pricing.NewHTTPSource(cfg.PriceURL, pricing.DefaultCoinIDs, &http.Client{Timeout: 10 * time.Second})
	var priceCache pricing.Cache
	if cfg.RedisAddr != "" {
		rc, err := pricing.NewRedisCache(ctx, cfg.RedisAddr, 10*cfg.PriceRefresh)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, price cache disabled")
		} else {
			defer rc.Close()
			priceCache = rc
		}
	}
	oracle, err := pricing.NewRefreshingOracle(pricing.RefreshConfig{
		Source:   source,
		Cache:    priceCache,
		Symbols:  cfg.NativeSymbols,
		Interval: cfg.PriceRefresh,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create price oracle")
	}
	if err := oracle.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start price refresh")
	}
	defer oracle.Stop()

	// --- Analytics + query ---
	engine := analytics.NewEngine(analytics.EngineConfig{
		Workers: cfg.AnalyticsWorkers,
		Pricer:  analytics.NewPricer(oracle, cfg.StableSymbols, cfg.NativeSymbols, metrics),
		Fees:    cfg.Fees,
		Metrics: metrics,
	})
	defer engine.Stop()

	queryService := query.NewService(store, eventLog, engine, metrics)

	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:  queryService,
		Admin:  ingestion.NewAdminIngestService(indexer),
		Health: healthChecker,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	// --- Start goroutines ---
	// ctx drives intake (NATS, HTTP, periodic snapshots). The drain side runs
	// on workCtx, which is cancelled only if the shutdown drain times out.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	errChan := make(chan error, 16)
	report := func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}
	var intake, drain sync.WaitGroup

	persistWorkerChan := make(chan persistence.Record, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.Update, cfg.ProjectionChanSize)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(store, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	drain.Go(func() { report(persistWorker.Run(workCtx)) })

	// 2. Projection worker; a full rebuild first covers drops from the last run.
	projWorker := projection.NewProjectionWorker(store, projectionWorkerChan, metrics)
	if err := projWorker.Rebuild(ctx); err != nil {
		logger.Warn().Err(err).Msg("user_stats rebuild failed")
	}
	drain.Go(func() { report(projWorker.Run(workCtx)) })

	// 3. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	drain.Go(func() { report(publisher.Run(workCtx)) })

	// 4. Indexer output bridge
	bridge := pipeline.NewBridge(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, metrics)
	drain.Go(func() { report(bridge.Run(workCtx)) })

	// 5. NATS -> indexer
	ingestLoop := ingestion.NewIngestLoop(indexer, rawEventChan, metrics)
	intake.Go(func() { report(ingestLoop.Run(ctx)) })

	// 6. gRPC health + reflection
	intake.Go(func() { report(srv.StartGRPC(ctx)) })

	// 7. HTTP API
	intake.Go(func() { report(srv.StartHTTP(ctx)) })

	// 8. Periodic snapshots
	snapshotter := pipeline.NewSnapshotter(pipeline.SnapshotterConfig{
		Source:   indexer,
		Store:    snapMgr,
		Log:      eventLog,
		Interval: cfg.SnapshotInterval,
		Keep:     cfg.SnapshotsKept,
		Metrics:  metrics,
	})
	intake.Go(func() { report(snapshotter.Run(ctx)) })

	// 9. Prometheus metrics
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(fmt.Errorf("metrics server: %w", err))
		}
	}()

	srv.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", indexer.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("VaultLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// 1. Stop intake and wait for in-flight ProcessEvent calls.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	natsSubscriber.Stop()
	cancel()
	intake.Wait()

	// 2. Close the indexer outputs and let bridge and workers drain them.
	indexer.Close()
	drained := make(chan struct{})
	go func() {
		drain.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Msg("pipeline drained")
	case <-time.After(cfg.ShutdownTimeout):
		workCancel()
		logger.Error().Dur("timeout", cfg.ShutdownTimeout).Msg("pipeline drain timed out, skipping final snapshot")
		return
	}

	// 3. Snapshot; it is verified against what the log committed.
	snapCtx, snapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer snapCancel()
	if err := snapshotter.Take(snapCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}
	logger.Info().Msg("VaultLedger shutdown complete")
}

// --- Recovery ---

// recoverState restores the latest verified snapshot, replays the event log
// after it and warms the idempotency LRU.
func recoverState(
	ctx context.Context,
	indexer *core.Indexer,
	snapMgr *persistence.SnapshotManager,
	eventLog *persistence.EventLogWriter,
	logger zerolog.Logger,
) error {
	from := int64(1)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		if err := persistence.VerifyAgainstLog(ctx, eventLog, snap); err != nil {
			logger.Warn().Err(err).Msg("snapshot rejected, replaying from genesis")
			snap = nil
		}
	}
	if snap != nil {
		if err := indexer.RestoreFromSnapshot(restoreState(snap)); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, cold start")
	}

	replayed, err := replayEventsFromLog(ctx, indexer, eventLog, from)
	if err != nil {
		return err
	}
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", indexer.Sequence()).Msg("replay complete")

	keys, err := eventLog.RecentIdempotencyKeys(ctx, 100_000)
	if err != nil {
		logger.Warn().Err(err).Msg("load idempotency keys for LRU warming")
		return nil
	}
	indexer.WarmLRU(keys)
	return nil
}

func restoreState(snap *persistence.SnapshotData) *core.SnapshotState {
	st := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Ledger:          snap.Ledger,
		Ordering:        snap.Ordering,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(st.StateHash[:], snap.StateHash)
	return st
}

// replayEventsFromLog re-applies stored events from fromSequence to head. Any
// failure, including a hash mismatch, stops startup.
func replayEventsFromLog(ctx context.Context, indexer *core.Indexer, eventLog *persistence.EventLogWriter, fromSequence int64) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := eventLog.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return total, fmt.Errorf("decode envelope seq %d: %w", row.Sequence, err)
			}
			evt, err := ingestion.ParseEvent(env.EventType, env.Payload)
			if err != nil {
				return total, fmt.Errorf("parse payload seq %d: %w", row.Sequence, err)
			}
			if err := indexer.ReplayEvent(ctx, env, evt); err != nil {
				return total, err
			}
			total++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}
