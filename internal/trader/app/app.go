// Package app wires the trading pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ematrader/config"
	"ematrader/internal/trader/alert"
	"ematrader/internal/trader/dispatch"
	"ematrader/internal/trader/ema"
	"ematrader/internal/trader/memorystore"
	"ematrader/internal/trader/metrics"
	"ematrader/internal/trader/router"
	"ematrader/internal/trader/stream"
	"ematrader/internal/trader/universe"
	"ematrader/pkg/alpaca"
	"ematrader/pkg/storage/postgres"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	statusInterval = 30 * time.Second
	closeTimeout   = 5 * time.Second
)

// Run starts the trader and blocks until ctx is cancelled or ingestion fails
// for good. It returns nil after a clean shutdown and the ingestion error
// (stream.ErrAuthFailed, stream.ErrReconnectExhausted) otherwise.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	policy, err := ema.ParseWarmupPolicy(cfg.Strategy.Warmup)
	if err != nil {
		return err
	}
	engine, err := ema.New(cfg.Strategy.EMAPeriod, policy)
	if err != nil {
		return err
	}
	qty, err := cfg.Strategy.QuantityDecimal()
	if err != nil {
		return err
	}

	m := metrics.New()

	// Alerts: Telegram when configured, local log otherwise
	var (
		sink  alert.Sink = alert.NewLog(logger)
		async *alert.Async
	)
	if cfg.Telegram.Enabled {
		// the bot connects on first send
		tg, err := alert.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Prefix,
			cfg.Telegram.APIEndpoint, cfg.Telegram.Timeout)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		async = alert.NewAsync(tg, cfg.Telegram.QueueSize, cfg.Telegram.Timeout, logger).WithDropCounter(m)
		sink = async
	}

	rest := alpaca.NewRESTClient(cfg.Alpaca.TradingURL, cfg.Alpaca.Key, cfg.Alpaca.Secret, cfg.Alpaca.Timeout)

	symbolStore, err := loadSymbols(ctx, cfg, rest, logger)
	if err != nil {
		flushAlerts(async)
		return err
	}

	// Optional order journal
	opts := []dispatch.Option{dispatch.WithObserver(m)}
	var db *postgres.Client
	if cfg.Postgres.Enabled {
		db, err = postgres.Open(ctx, cfg.Postgres, logger.Named("postgres"))
		if err != nil {
			flushAlerts(async)
			return fmt.Errorf("failed to connect to DB: %w", err)
		}
		opts = append(opts, dispatch.WithJournal(postgres.NewJournal(db)))
	}

	dispatcher := dispatch.New(rest, sink, dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Backoff:        cfg.Dispatch.Backoff.Policy(),
		QueueSize:      cfg.Dispatch.QueueSize,
		RequestTimeout: cfg.Dispatch.RequestTimeout,
	}, logger, opts...)

	rt := router.New(engine, dispatcher, router.Config{
		Quantity:    qty,
		TimeInForce: cfg.Strategy.TimeInForce,
		LaneBuffer:  cfg.Stream.LaneBuffer,
	}, logger, router.WithObserver(m))

	dialer := alpaca.NewWSDialer(alpaca.StreamURL(cfg.Alpaca.StreamURL, cfg.Alpaca.Feed), cfg.Stream.HandshakeTimeout)
	ingestor := stream.New(wsDialer(dialer), symbolStore, rt, sink, stream.Config{
		Key:              cfg.Alpaca.Key,
		Secret:           cfg.Alpaca.Secret,
		Reconnect:        cfg.Stream.Reconnect.Policy(),
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ReadTimeout:      cfg.Stream.ReadTimeout,
		PingInterval:     cfg.Stream.PingInterval,
	}, logger, stream.WithObserver(m))

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = m.Serve(cfg.Metrics.Addr, logger)
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	logger.Info("trader started",
		zap.String("session_id", rt.SessionID().String()),
		zap.Strings("symbols", symbolStore.GetAll()),
		zap.Int("ema_period", engine.Period()),
		zap.Stringer("warmup", engine.Policy()),
		zap.String("stream_url", dialer.URL()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestor.Run(gctx)
	})
	g.Go(func() error {
		reportStatus(gctx, engine, ingestor, logger)
		return nil
	})
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("ingestion stopped", zap.Error(runErr))
	}

	// Reads have stopped; drain lanes, then orders, then close the socket.
	shutdown(cfg, logger, rt, dispatcher, ingestor)

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", zap.Error(err))
		}
	}
	flushAlerts(async)

	logger.Info("trader stopped")
	return runErr
}

func shutdown(cfg *config.Config, logger *zap.Logger, rt *router.Router, d *dispatch.Dispatcher, ing *stream.Ingestor) {
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout)
	defer cancel()

	if err := rt.Close(drainCtx); err != nil {
		logger.Warn("lanes not drained", zap.Error(err))
	}
	if err := d.Drain(drainCtx); err != nil {
		logger.Warn("orders not drained", zap.Error(err))
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if err := ing.Close(closeCtx); err != nil {
		logger.Warn("stream close", zap.Error(err))
	}
}

func flushAlerts(async *alert.Async) {
	if async == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = async.Close(ctx)
}

// loadSymbols validates the configured universe and fills the symbol store.
func loadSymbols(ctx context.Context, cfg *config.Config, rest *alpaca.RESTClient, logger *zap.Logger) (*memorystore.MemorySymbolStore, error) {
	loader := &universe.Loader{
		Symbols: cfg.Strategy.Symbols,
		Timeout: cfg.Alpaca.Timeout,
		Logger:  logger.Named("universe"),
	}
	if cfg.Alpaca.ValidateSymbols {
		loader.Assets = rest
	}

	store := memorystore.NewSymbolStore()
	symbolCh := make(chan string, 100)
	done := store.StartWorker(symbolCh)

	_, err := loader.Load(ctx, symbolCh)
	<-done
	if err != nil {
		return nil, fmt.Errorf("failed to load symbols: %w", err)
	}
	return store, nil
}

// wsDialer adapts the gorilla dialer to stream.Dialer.
func wsDialer(d *alpaca.WSDialer) stream.Dialer {
	return stream.DialFunc(func(ctx context.Context) (stream.Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// reportStatus periodically logs pipeline progress until ctx is done.
func reportStatus(ctx context.Context, engine *ema.Engine, ing *stream.Ingestor, logger *zap.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := 0
			symbols := engine.Symbols()
			for _, sym := range symbols {
				if st, ok := engine.Snapshot(sym); ok && st.Ready {
					ready++
				}
			}
			logger.Info("pipeline status",
				zap.Stringer("connection", ing.State()),
				zap.Int("symbols_seen", len(symbols)),
				zap.Int("symbols_ready", ready),
			)
		}
	}
}

// IsFatal reports whether err from Run means ingestion gave up.
func IsFatal(err error) bool {
	return errors.Is(err, stream.ErrAuthFailed) || errors.Is(err, stream.ErrReconnectExhausted)
}
