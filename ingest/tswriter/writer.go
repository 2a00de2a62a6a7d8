/*Package tswriter buffers accepted telemetry records and flushes them to the
time-series store as bulk inserts.

A flush happens when the batch reaches its size threshold or its age
threshold, whichever comes first. The buffer is owned by a single flushing
goroutine, so two flushes can never race on the same batch. A flush is atomic:
either the whole batch lands, or - after bounded retries on transient errors -
the whole batch is handed to the rejection callback. Nothing is lost silently
and nothing is duplicated.
*/
package tswriter

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/logger"
)

// Record is one accepted telemetry reading. Topic, SiteID and Raw carry the
// original transport message so a rejected batch can be quarantined with its
// full triage context; they are not persisted to the time-series table.
type Record struct {
	Time        time.Time
	TenantID    string
	SiteID      string
	DeviceID    string
	MessageType string
	Metrics     map[string]interface{}

	Topic string
	Raw   []byte
}

// Store persists batches of records. An implementation must be atomic per
// call: on error, none of the records may have landed.
type Store interface {
	InsertBatch(ctx context.Context, recs []Record) error
}

// Writer accumulates records and flushes them on size or time triggers.
type Writer struct {
	store       Store
	batchSize   int
	interval    time.Duration
	maxAttempts int
	backoff     time.Duration
	rejected    func(recs []Record, err error)
	onFlush     func(d time.Duration, n int, retries int)

	in        chan Record
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Builder is a builder helper for the Writer
type Builder struct {
	// Store receives the flushed batches. This is mandatory.
	Store Store
	// Rejected receives a whole batch that could not be stored, together
	// with the final error. This is mandatory; the pipeline quarantines
	// every record of such a batch.
	Rejected func(recs []Record, err error)
	// BatchSize is the flush size threshold. Default 1000.
	BatchSize int
	// Interval is the flush time threshold. Default one second.
	Interval time.Duration
	// MaxAttempts bounds flush retries on transient storage errors. Default 3.
	MaxAttempts int
	// Backoff is the base wait between retries. Default 250ms.
	Backoff time.Duration
	// OnFlush is an optional observability hook called after every
	// successful flush with the flush latency, batch size and retry count.
	OnFlush func(d time.Duration, n int, retries int)
}

// NewWriter creates the writer and starts its flushing goroutine.
func NewWriter(b *Builder) *Writer {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Rejected == nil {
		panic("Rejected callback is missing")
	}
	w := &Writer{
		store:       b.Store,
		batchSize:   b.BatchSize,
		interval:    b.Interval,
		maxAttempts: b.MaxAttempts,
		backoff:     b.Backoff,
		rejected:    b.Rejected,
		onFlush:     b.OnFlush,
	}
	if w.batchSize == 0 {
		w.batchSize = 1000
	}
	if w.interval == 0 {
		w.interval = time.Second
	}
	if w.maxAttempts == 0 {
		w.maxAttempts = 3
	}
	if w.backoff == 0 {
		w.backoff = 250 * time.Millisecond
	}
	w.in = make(chan Record, 2*w.batchSize)
	w.wg.Add(1)
	go w.run()
	return w
}

// Write hands a record to the flushing goroutine. When the buffer channel is
// full this blocks until there is room or the context is done.
func (w *Writer) Write(ctx context.Context, rec Record) error {
	select {
	case w.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffered returns the number of records waiting in the channel.
func (w *Writer) Buffered() int { return len(w.in) }

// Close flushes any partially filled batch and stops the writer. Safe to
// call more than once.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.in)
	})
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var batch []Record
	for {
		select {
		case rec, ok := <-w.in:
			if !ok {
				if len(batch) > 0 {
					w.flush(batch)
				}
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}
		}
	}
}

// flush writes one batch, retrying transient errors with backoff. The batch
// is either fully stored or fully handed to the rejection callback.
func (w *Writer) flush(batch []Record) {
	start := time.Now()
	retries := 0
	for {
		err := w.store.InsertBatch(context.Background(), batch)
		if err == nil {
			if w.onFlush != nil {
				w.onFlush(time.Since(start), len(batch), retries)
			}
			return
		}
		if !isTransient(err) || retries >= w.maxAttempts-1 {
			logger.Default().WithError(err).Errorf(
				"batch flush failed after %d attempts, quarantining %d records", retries+1, len(batch))
			w.rejected(batch, err)
			return
		}
		retries++
		logger.Default().WithError(err).Warnf("transient batch flush error, retry %d", retries)
		time.Sleep(time.Duration(retries) * w.backoff)
	}
}

// isTransient reports whether a storage error is worth a retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// connection failures, serialization failures, deadlocks and
		// server-still-starting are all worth a retry
		return strings.HasPrefix(code, "08") ||
			code == "40001" || code == "40P01" || code == "57P03"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// SQLStore implements Store with a bulk COPY into the telemetry table.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore returns a store writing to db.
func NewSQLStore(db *csql.DB) *SQLStore {
	if db == nil {
		panic("DB is missing")
	}
	return &SQLStore{db: db}
}

// InsertBatch implements Store. The COPY runs in one transaction, so the
// batch lands atomically.
func (s *SQLStore) InsertBatch(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(s.db.Schema, "telemetry",
		"time", "tenant_id", "device_id", "message_type", "metrics"))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		metrics, err := json.Marshal(rec.Metrics)
		if err != nil {
			stmt.Close()
			return err
		}
		_, err = stmt.ExecContext(ctx, rec.Time.UTC(), rec.TenantID, rec.DeviceID,
			rec.MessageType, string(metrics))
		if err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err = stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}
