/*Package ingest is the core of the device telemetry ingestion pipeline.

A Pipeline accepts raw transport messages on a bounded intake queue and runs
each through a fixed stage order: topic parse, payload decode, identity
resolution, rate limiting, auto-provisioning, schema validation, batch write.
Every rejection is diverted to the quarantine sink with a reason code;
nothing is ever silently dropped.
*/
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/voltaic-systems/ingest/core/logger"
	"github.com/voltaic-systems/ingest/core/metrics"
	"github.com/voltaic-systems/ingest/ingest/events"
	"github.com/voltaic-systems/ingest/ingest/identity"
	"github.com/voltaic-systems/ingest/ingest/provision"
	"github.com/voltaic-systems/ingest/ingest/quarantine"
	"github.com/voltaic-systems/ingest/ingest/ratelimit"
	"github.com/voltaic-systems/ingest/ingest/schema"
	"github.com/voltaic-systems/ingest/ingest/tswriter"
)

// Message is one raw inbound transport message.
type Message struct {
	// Topic is the transport topic the message arrived on.
	Topic string
	// Payload is the raw payload bytes.
	Payload []byte
	// CommonName is the transport-verified client certificate common name,
	// empty if the connection presented no client certificate.
	CommonName string
	// ReceivedAt is the transport's receipt time; zero means "now".
	ReceivedAt time.Time
}

// Provisioner registers first-contact devices. Provisioning success must
// continue message processing; only the explicit failure outcomes divert
// to quarantine.
type Provisioner interface {
	EnsureProvisioned(ctx context.Context, tenantID, deviceID string) (provision.Outcome, error)
}

// Pipeline drains the intake queue with a fixed worker pool.
type Pipeline struct {
	resolver    *identity.Resolver
	limiter     *ratelimit.Limiter
	provisioner Provisioner
	validator   *schema.Validator
	writer      *tswriter.Writer
	sink        *quarantine.Sink
	events      *events.Publisher
	metrics     *metrics.Metrics

	allowUnauthenticatedProvision bool

	intake    chan Message
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Builder is a builder helper for the Pipeline
type Builder struct {
	// Resolver authenticates inbound messages. This is mandatory.
	Resolver *identity.Resolver
	// Limiter admits messages per device. This is mandatory.
	Limiter *ratelimit.Limiter
	// Provisioner registers first-contact devices. This is mandatory.
	Provisioner Provisioner
	// Validator checks message shapes. This is mandatory.
	Validator *schema.Validator
	// Writer stores accepted telemetry. This is mandatory.
	Writer *tswriter.Writer
	// Quarantine receives every rejected message. This is mandatory.
	Quarantine *quarantine.Sink
	// Events is an optional publisher for accepted telemetry.
	Events *events.Publisher
	// Metrics is optional; a private set is created when unset.
	Metrics *metrics.Metrics
	// Workers is the worker pool size. Default 8.
	Workers int
	// QueueSize bounds the intake queue. Default 512.
	QueueSize int
	// AllowUnauthenticatedProvision lets an unauthenticated first-contact
	// message proceed to auto-provisioning. Default false: such messages
	// quarantine as AUTH_FAILED.
	AllowUnauthenticatedProvision bool
}

// NewPipeline creates the pipeline and starts its worker pool.
func NewPipeline(b *Builder) *Pipeline {
	if b.Resolver == nil {
		panic("Resolver is missing")
	}
	if b.Limiter == nil {
		panic("Limiter is missing")
	}
	if b.Provisioner == nil {
		panic("Provisioner is missing")
	}
	if b.Validator == nil {
		panic("Validator is missing")
	}
	if b.Writer == nil {
		panic("Writer is missing")
	}
	if b.Quarantine == nil {
		panic("Quarantine is missing")
	}
	workers := b.Workers
	if workers == 0 {
		workers = 8
	}
	queueSize := b.QueueSize
	if queueSize == 0 {
		queueSize = 512
	}
	m := b.Metrics
	if m == nil {
		m = metrics.New()
	}
	p := &Pipeline{
		resolver:                      b.Resolver,
		limiter:                       b.Limiter,
		provisioner:                   b.Provisioner,
		validator:                     b.Validator,
		writer:                        b.Writer,
		sink:                          b.Quarantine,
		events:                        b.Events,
		metrics:                       m,
		allowUnauthenticatedProvision: b.AllowUnauthenticatedProvision,
		intake:                        make(chan Message, queueSize),
	}
	for n := 0; n < workers; n++ {
		p.wg.Add(1)
		go p.worker(n)
	}
	return p
}

// Submit hands a message to the worker pool. When the intake queue is full
// this blocks until there is room or the context is done; backpressure
// belongs to the transport, not to a growing buffer.
func (p *Pipeline) Submit(ctx context.Context, msg Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	select {
	case p.intake <- msg:
		p.metrics.IntakeDepth.Set(float64(len(p.intake)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of messages waiting in the intake queue.
func (p *Pipeline) Depth() int { return len(p.intake) }

// Close stops intake and waits until the workers have drained the queue.
// The transport must have stopped submitting first. The batch writer and
// quarantine sink are owned by the caller and closed after this returns,
// in that order, so no acknowledged message is lost.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.intake)
	})
	p.wg.Wait()
}

func (p *Pipeline) worker(n int) {
	defer p.wg.Done()
	for msg := range p.intake {
		p.processWithEnvelope(msg)
		p.metrics.IntakeDepth.Set(float64(len(p.intake)))
		p.metrics.BatchSize.Set(float64(p.writer.Buffered()))
	}
	logger.Default().Debugln("pipeline worker", n, "drained")
}

// processWithEnvelope shields the worker pool and its shared state from a
// panic in a single message's processing. The message itself still ends up
// in quarantine; the transport has already acknowledged it, so dropping it
// here would lose it silently.
func (p *Pipeline) processWithEnvelope(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Errorln("recovered from panic processing", msg.Topic, ":", r)
			topic, _ := ParseTopic(msg.Topic)
			p.divert(context.Background(), msg, topic, Envelope{},
				ReasonStorageRejected, fmt.Errorf("recovered from panic: %v", r))
		}
	}()
	p.process(context.Background(), msg)
}

func (p *Pipeline) process(ctx context.Context, msg Message) {
	topic, err := ParseTopic(msg.Topic)
	if err != nil {
		p.divert(ctx, msg, topic, Envelope{}, ReasonTopicMalformed, err)
		return
	}

	ctx, _ = logger.ContextWithLoggerIdentity(ctx, topic.DeviceKey())

	env, reason, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		p.divert(ctx, msg, topic, env, reason, err)
		return
	}

	res, err := p.resolver.Resolve(ctx, topic.TenantID, topic.DeviceID,
		identity.Claim{CommonName: msg.CommonName, Token: env.Token})
	if err != nil {
		p.divert(ctx, msg, topic, env, ReasonStorageRejected, err)
		return
	}
	if reason, rejected := authFailureReason(res.Decision); rejected {
		p.divert(ctx, msg, topic, env, reason, nil)
		return
	}

	if !p.limiter.Admit(topic.DeviceKey()) {
		p.divert(ctx, msg, topic, env, ReasonRateLimited, nil)
		return
	}

	if !res.Registered {
		if res.Decision != identity.Authenticated && !p.allowUnauthenticatedProvision {
			p.divert(ctx, msg, topic, env, ReasonAuthFailed, nil)
			return
		}
		outcome, err := p.provisioner.EnsureProvisioned(ctx, topic.TenantID, topic.DeviceID)
		if err != nil {
			p.divert(ctx, msg, topic, env, ReasonStorageRejected, err)
			return
		}
		switch outcome {
		case provision.ProvisionedNew:
			logger.FromContext(ctx).Infoln("auto-provisioned device", topic.DeviceKey())
		case provision.AlreadyProvisioned:
			// another worker or replica won the race, keep going
		case provision.CapacityExceeded:
			p.divert(ctx, msg, topic, env, ReasonCapacityExceeded, nil)
			return
		case provision.LockTimeout:
			p.divert(ctx, msg, topic, env, ReasonProvisionLockTimeout, nil)
			return
		}
	}

	if err := p.validator.ValidateBytes(env.Raw, topic.Kind.String()); err != nil {
		p.divert(ctx, msg, topic, env, ReasonSchemaInvalid, err)
		return
	}

	rec := tswriter.Record{
		Time:        env.EventTime(),
		TenantID:    topic.TenantID,
		SiteID:      topic.SiteID,
		DeviceID:    topic.DeviceID,
		MessageType: topic.Kind.String(),
		Metrics:     recordFields(topic.Kind, env),
		Topic:       msg.Topic,
		Raw:         env.Raw,
	}
	if rec.Time.IsZero() {
		rec.Time = msg.ReceivedAt
	}
	if err := p.writer.Write(ctx, rec); err != nil {
		p.divert(ctx, msg, topic, env, ReasonStorageRejected, err)
		return
	}
	p.metrics.Accepted.Inc()

	if p.events != nil && topic.Kind == KindTelemetry {
		p.events.Publish(ctx, events.Event{
			Time:        rec.Time,
			TenantID:    rec.TenantID,
			DeviceID:    rec.DeviceID,
			MessageType: rec.MessageType,
			Metrics:     rec.Metrics,
		})
	}
}

// recordFields picks what lands in the metrics column. Telemetry stores its
// metrics object; shadow reports and command acks store the whole payload,
// minus the credential field.
func recordFields(kind MessageKind, env Envelope) map[string]interface{} {
	if kind == KindTelemetry {
		return env.Metrics
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(env.Raw, &fields); err != nil {
		return nil
	}
	delete(fields, "token")
	return fields
}

// authFailureReason maps a resolver decision to its quarantine reason. The
// second return value is false for the decisions that continue processing;
// FirstContact continues here because the provisioning policy is applied
// after rate limiting.
func authFailureReason(d identity.Decision) (Reason, bool) {
	switch d {
	case identity.Spoofed, identity.Inactive:
		return ReasonAuthFailed, true
	case identity.TokenMissing:
		return ReasonTokenMissing, true
	case identity.TokenInvalid:
		return ReasonTokenInvalid, true
	case identity.TokenNotSet:
		return ReasonTokenNotSetInRegistry, true
	}
	return "", false
}

func (p *Pipeline) divert(ctx context.Context, msg Message, topic Topic, env Envelope, reason Reason, cause error) {
	p.metrics.Quarantined.WithLabelValues(reason.String()).Inc()

	mlog := logger.FromContext(ctx).WithField("reason", reason.String())
	if cause != nil {
		mlog = mlog.WithError(cause)
	}
	mlog.Infoln("quarantining message on", msg.Topic)

	err := p.sink.Enqueue(ctx, quarantine.Record{
		Topic:       msg.Topic,
		TenantID:    topic.TenantID,
		SiteID:      topic.SiteID,
		DeviceID:    topic.DeviceID,
		MessageType: topic.MessageType,
		Reason:      reason.String(),
		Payload:     msg.Payload,
		EventTime:   env.EventTime(),
		ReceivedAt:  msg.ReceivedAt,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("could not enqueue quarantine record for", msg.Topic)
	}
}

/// QuarantineRejectedBatch returns the batch writer rejection callback: every
// record of a batch that could not be stored is diverted to quarantine with
// STORAGE_REJECTED, none silently lost. Metrics may be nil.
func QuarantineRejectedBatch(sink *quarantine.Sink, m *metrics.Metrics) func(recs []tswriter.Record, err error) {
	return func(recs []tswriter.Record, err error) {
		ctx := context.Background()
		for _, rec := range recs {
			payload := rec.Raw
			if payload == nil {
				payload, _ = json.Marshal(map[string]interface{}{
					"ts":      rec.Time.Format(time.RFC3339),
					"metrics": rec.Metrics,
				})
			}
			topic := rec.Topic
			if topic == "" {
				topic = "tenant/" + rec.TenantID + "/device/" + rec.DeviceID + "/" + rec.MessageType
			}
			if m != nil {
				m.Quarantined.WithLabelValues(ReasonStorageRejected.String()).Inc()
			}
			qerr := sink.Enqueue(ctx, quarantine.Record{
				Topic:       topic,
				TenantID:    rec.TenantID,
				SiteID:      rec.SiteID,
				DeviceID:    rec.DeviceID,
				MessageType: rec.MessageType,
				Reason:      ReasonStorageRejected.String(),
				Payload:     payload,
				EventTime:   rec.Time,
				ReceivedAt:  time.Now().UTC(),
			})
			if qerr != nil {
				logger.Default().WithError(qerr).Errorln("could not quarantine rejected record for",
					rec.TenantID+"/"+rec.DeviceID)
			}
		}
		logger.Default().WithError(err).WithFields(logrus.Fields{
			"records": len(recs),
		}).Errorln("batch rejected by the time-series store")
	}
}

// MetricsFlushObserver returns the batch writer flush hook feeding the
// prometheus collectors.
func MetricsFlushObserver(m *metrics.Metrics) func(d time.Duration, n int, retries int) {
	return func(d time.Duration, n int, retries int) {
		m.FlushDuration.Observe(d.Seconds())
		m.FlushRetries.Add(float64(retries))
	}
}
