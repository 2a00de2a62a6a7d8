/*Package quarantine durably records rejected messages for operator triage.

Every rejection in the pipeline ends up here with its reason code and the
original payload; nothing is ever silently dropped. Writes go through a
bounded queue, so a slow store applies backpressure to the intake path
instead of losing records.
*/
package quarantine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/logger"
)

// Record is one quarantined message.
type Record struct {
	ID          uuid.UUID
	Topic       string
	TenantID    string
	SiteID      string
	DeviceID    string
	MessageType string
	Reason      string
	Payload     []byte
	// EventTime is the message's claimed event time; zero if the payload
	// never decoded far enough to tell.
	EventTime time.Time
	// ReceivedAt is the system's receipt time.
	ReceivedAt time.Time
	// ArchiveKey is set when the payload was archived to the object store
	// instead of being stored inline.
	ArchiveKey string
}

// Store persists quarantine records.
type Store interface {
	Insert(ctx context.Context, rec Record) error
}

// Archiver stores oversized raw payloads out-of-band.
type Archiver interface {
	Archive(ctx context.Context, key string, payload []byte) error
}

// Sink accepts records on a bounded queue and writes them from a single
// goroutine.
type Sink struct {
	store            Store
	archiver         Archiver
	archiveThreshold int
	queue            chan Record
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

// Builder is a builder helper for the Sink
type Builder struct {
	// Store persists the records. This is mandatory.
	Store Store
	// Archiver is optional; when set, payloads above ArchiveThreshold are
	// stored through it and only the key lands in the record.
	Archiver Archiver
	// ArchiveThreshold in bytes. Default 64 KiB.
	ArchiveThreshold int
	// QueueSize bounds the write queue. Default 1024.
	QueueSize int
}

// NewSink creates the sink and starts its writer goroutine.
func NewSink(b *Builder) *Sink {
	if b.Store == nil {
		panic("Store is missing")
	}
	queueSize := b.QueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	threshold := b.ArchiveThreshold
	if threshold == 0 {
		threshold = 64 * 1024
	}
	s := &Sink{
		store:            b.Store,
		archiver:         b.Archiver,
		archiveThreshold: threshold,
		queue:            make(chan Record, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue hands a record to the writer. When the queue is full this blocks
// until there is room or the context is done; backpressure is deliberate.
func (s *Sink) Enqueue(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	select {
	case s.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued records.
func (s *Sink) Depth() int { return len(s.queue) }

// Close drains the queue and stops the writer. Safe to call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *Sink) write(rec Record) {
	ctx := context.Background()
	mlog := logger.Default().WithField("reason", rec.Reason)

	if s.archiver != nil && len(rec.Payload) > s.archiveThreshold {
		key := fmt.Sprintf("%s/%s/%s", rec.TenantID, rec.DeviceID, rec.ID)
		if err := s.archiver.Archive(ctx, key, rec.Payload); err != nil {
			// keep the payload inline rather than lose it
			mlog.WithError(err).Errorln("could not archive quarantine payload", key)
		} else {
			rec.ArchiveKey = key
			rec.Payload = nil
		}
	}

	// a record that cannot be written is retried a few times; losing it
	// defeats the whole point of the quarantine
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.store.Insert(ctx, rec); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	mlog.WithError(err).Errorln("dropping quarantine record", rec.ID, "after repeated insert failures")
}

// SQLStore implements Store against the quarantine table.
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

// Insert implements Store
func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	var eventTime interface{}
	if !rec.EventTime.IsZero() {
		eventTime = rec.EventTime.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.quarantine
 (quarantine_id, topic, tenant_id, site_id, device_id, message_type, reason,
  payload, archive_key, event_time, received_at)
 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`,
		rec.ID, rec.Topic, rec.TenantID, rec.SiteID, rec.DeviceID, rec.MessageType,
		rec.Reason, rec.Payload, rec.ArchiveKey, eventTime, rec.ReceivedAt.UTC())
	return err
}
