package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/model"
)

// batchSender is the part of *pgxpool.Pool the writer uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TickWriter buffers ticks and writes them to the ticks table.
type TickWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Database
	db     batchSender
	insert string

	// Batching
	batch       []tickRow
	batchMu     sync.Mutex
	flushMu     sync.Mutex
	flushTicker *time.Ticker
	closed      bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	stats WriterMetrics
}

// NewTickWriter creates a new TickWriter. m may be nil.
func NewTickWriter(cfg WriterConfig, db batchSender, m *metrics.Metrics, logger *slog.Logger) *TickWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &TickWriter{
		cfg:     cfg,
		db:      db,
		metrics: m,
		logger:  logger,
		insert:  insertSQL(cfg.Table),
		batch:   make([]tickRow, 0, cfg.BatchSize),
		ctx:     context.Background(),
	}
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (exchange_ts, received_at, instrument_key, mode, last_price, last_qty, prev_close,
			open, high, low, close, volume, open_interest, implied_vol, avg_price,
			bid_price, bid_qty, ask_price, ask_qty, delta, gamma, theta, vega, initial)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (instrument_key, received_at) DO NOTHING
	`, pgx.Identifier{table}.Sanitize())
}

// Name identifies the writer in dispatch outcomes.
func (w *TickWriter) Name() string { return "timescale" }

// Handle adds tick to the pending batch, flushing when the batch is full.
// A failed flush is returned to the caller and counted.
func (w *TickWriter) Handle(ctx context.Context, tick model.Tick) error {
	row := w.transform(tick)

	w.batchMu.Lock()
	if w.closed {
		w.batchMu.Unlock()
		return ErrWriterClosed
	}
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		return w.flush(ctx)
	}
	return nil
}

// Start begins the periodic flush loop.
func (w *TickWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("tick writer started",
		"table", w.cfg.Table,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still buffered.
func (w *TickWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping tick writer")

	w.batchMu.Lock()
	w.closed = true
	w.batchMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("tick writer stop timed out")
	}

	// Final flush
	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	w.logger.Info("tick writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *TickWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// flushLoop periodically flushes the batch.
func (w *TickWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			if err := w.flush(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

// transform converts a Tick to a tickRow.
func (w *TickWriter) transform(t model.Tick) tickRow {
	row := tickRow{
		ExchangeTs:    model.Ptr(t.ExchangeTime),
		ReceivedAt:    t.ReceivedAt,
		InstrumentKey: string(t.Key),
		Mode:          string(t.Mode),
		LastPrice:     toNumeric(t.LastPrice),
		LastQty:       model.Ptr(t.LastQty),
		PrevClose:     toNumeric(t.PrevClose),
		Open:          toNumeric(t.Open),
		High:          toNumeric(t.High),
		Low:           toNumeric(t.Low),
		Close:         toNumeric(t.Close),
		Volume:        model.Ptr(t.Volume),
		OpenInterest:  model.Ptr(t.OpenInterest),
		ImpliedVol:    model.Ptr(t.ImpliedVol),
		AvgPrice:      toNumeric(t.AvgPrice),
		BidPrice:      toNumeric(t.Bid.Price),
		BidQty:        model.Ptr(t.Bid.Size),
		AskPrice:      toNumeric(t.Ask.Price),
		AskQty:        model.Ptr(t.Ask.Size),
		Initial:       t.InitialUpdate,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	if t.Greeks.IsSome() {
		g := t.Greeks.Unwrap()
		row.Delta = model.Ptr(g.Delta)
		row.Gamma = model.Ptr(g.Gamma)
		row.Theta = model.Ptr(g.Theta)
		row.Vega = model.Ptr(g.Vega)
	}
	return row
}

// flush writes the current batch to the database.
func (w *TickWriter) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]tickRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		w.metrics.AddWriterRows("error", len(batch))
		return fmt.Errorf("insert %d ticks: %w", len(batch), err)
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.metrics.AddWriterRows("inserted", len(batch)-conflicts)
	w.metrics.AddWriterRows("conflict", conflicts)
	w.metrics.IncWriterFlush()

	w.logger.Debug("flushed ticks",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TickWriter) batchInsert(ctx context.Context, rows []tickRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(w.insert,
			r.ExchangeTs, r.ReceivedAt, r.InstrumentKey, r.Mode, r.LastPrice, r.LastQty, r.PrevClose,
			r.Open, r.High, r.Low, r.Close, r.Volume, r.OpenInterest, r.ImpliedVol, r.AvgPrice,
			r.BidPrice, r.BidQty, r.AskPrice, r.AskQty, r.Delta, r.Gamma, r.Theta, r.Vega, r.Initial)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
