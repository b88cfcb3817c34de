// Package usagelog implements a non-blocking, batched usage-log writer.
//
// Every forward attempt produces one entry. Entries are written to an
// internal buffered channel and flushed in batches by a background
// goroutine, so accounting never blocks the proxy hot path. If the channel
// fills up (> 10 000 entries), new entries are dropped and counted in
// Dropped.
//
// Batches always land in SQLite; when a ClickHouse sink is configured they
// are mirrored there as well for analytics queries. A ClickHouse failure is
// logged and ignored, SQLite remains the source of truth.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/botgate/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type Writer struct {
	ch        chan store.UsageLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	st      store.Store
	ch2     driver.Conn // optional ClickHouse mirror
	log     *slog.Logger
}

// New starts the background flusher. ch2 may be nil.
func New(ctx context.Context, st store.Store, ch2 driver.Conn, log *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("usagelog: store must not be nil")
	}

	w := &Writer{
		ch:      make(chan store.UsageLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		st:      st,
		ch2:     ch2,
		log:     log,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Record enqueues one entry. Never blocks.
func (w *Writer) Record(entry store.UsageLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case w.ch <- entry:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped reports how many entries were discarded because the buffer was full.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the channel, flushes the final batch, and stops the flusher.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushSQLite(batch)
		w.flushClickHouse(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case entry := <-w.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flushSQLite(batch []store.UsageLog) {
	for _, e := range batch {
		if err := w.st.InsertUsageLog(w.baseCtx, e); err != nil {
			w.log.Error("usage log insert failed",
				slog.String("bot_id", e.BotID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Writer) flushClickHouse(batch []store.UsageLog) {
	if w.ch2 == nil {
		return
	}
	b, err := w.ch2.PrepareBatch(w.baseCtx,
		`INSERT INTO usage_logs (bot_id, vendor, credential_id, status_code, endpoint, model,
		   request_tokens, response_tokens, error_message, duration_ms, protocol_type, created_at)`)
	if err != nil {
		w.log.Error("clickhouse prepare batch failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range batch {
		var status int32
		if e.StatusCode != nil {
			status = int32(*e.StatusCode)
		}
		if err := b.Append(
			e.BotID, e.Vendor, e.CredentialID, status, e.Endpoint, e.Model,
			int32(e.RequestTokens), int32(e.ResponseTokens), e.ErrorMessage,
			e.DurationMs, e.ProtocolType, e.CreatedAt,
		); err != nil {
			w.log.Error("clickhouse append failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := b.Send(); err != nil {
		w.log.Error("clickhouse send failed", slog.String("error", err.Error()))
	}
}

// Schema returns the ClickHouse DDL for the mirror table. Executed once at
// startup when the sink is configured.
func Schema() string {
	return `CREATE TABLE IF NOT EXISTS usage_logs (
		bot_id String,
		vendor String,
		credential_id String,
		status_code Int32,
		endpoint String,
		model String,
		request_tokens Int32,
		response_tokens Int32,
		error_message String,
		duration_ms Int64,
		protocol_type String,
		created_at DateTime
	) ENGINE = MergeTree() ORDER BY (bot_id, created_at)`
}
