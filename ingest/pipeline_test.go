package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltaic-systems/ingest/ingest/identity"
	"github.com/voltaic-systems/ingest/ingest/provision"
	"github.com/voltaic-systems/ingest/ingest/quarantine"
	"github.com/voltaic-systems/ingest/ingest/ratelimit"
	"github.com/voltaic-systems/ingest/ingest/schema"
	"github.com/voltaic-systems/ingest/ingest/tswriter"
)

type fakeIdentityStore struct {
	mutex   sync.Mutex
	devices map[string]identity.DeviceRecord
	certs   map[string]bool
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		devices: make(map[string]identity.DeviceRecord),
		certs:   make(map[string]bool),
	}
}

func (f *fakeIdentityStore) HasActiveCertificate(ctx context.Context, tenantID, deviceID string) (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.certs[tenantID+"/"+deviceID], nil
}

func (f *fakeIdentityStore) Device(ctx context.Context, tenantID, deviceID string) (identity.DeviceRecord, bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	rec, ok := f.devices[tenantID+"/"+deviceID]
	return rec, ok, nil
}

type fakeProvisioner struct {
	mutex   sync.Mutex
	outcome provision.Outcome
	err     error
	panics  bool
	calls   []string
}

func (f *fakeProvisioner) EnsureProvisioned(ctx context.Context, tenantID, deviceID string) (provision.Outcome, error) {
	f.mutex.Lock()
	f.calls = append(f.calls, tenantID+"/"+deviceID)
	f.mutex.Unlock()
	if f.panics {
		panic("provisioner exploded")
	}
	return f.outcome, f.err
}

func (f *fakeProvisioner) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.calls)
}

type fakeQuarantineStore struct {
	mutex sync.Mutex
	recs  []quarantine.Record
}

func (f *fakeQuarantineStore) Insert(ctx context.Context, rec quarantine.Record) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeQuarantineStore) all() []quarantine.Record {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]quarantine.Record(nil), f.recs...)
}

type fakeTSStore struct {
	mutex sync.Mutex
	recs  []tswriter.Record
	err   error
}

func (f *fakeTSStore) InsertBatch(ctx context.Context, recs []tswriter.Record) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, recs...)
	return nil
}

func (f *fakeTSStore) all() []tswriter.Record {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]tswriter.Record(nil), f.recs...)
}

// testHarness bundles the pipeline with its fakes so tests can drive and
// then drain it in the production shutdown order.
type testHarness struct {
	pipeline    *Pipeline
	writer      *tswriter.Writer
	sink        *quarantine.Sink
	idStore     *fakeIdentityStore
	provisioner *fakeProvisioner
	tsStore     *fakeTSStore
	qStore      *fakeQuarantineStore
}

type harnessOptions struct {
	allowUnauthenticatedProvision bool
	burst                         int
	ratePerSec                    float64
	tsErr                         error
}

func newTestHarness(opts harnessOptions) *testHarness {
	burst := opts.burst
	if burst == 0 {
		burst = 100
	}
	ratePerSec := opts.ratePerSec
	if ratePerSec == 0 {
		ratePerSec = 1000
	}
	idStore := newFakeIdentityStore()
	provisioner := &fakeProvisioner{outcome: provision.ProvisionedNew}
	tsStore := &fakeTSStore{err: opts.tsErr}
	qStore := &fakeQuarantineStore{}

	sink := quarantine.NewSink(&quarantine.Builder{Store: qStore})
	writer := tswriter.NewWriter(&tswriter.Builder{
		Store:       tsStore,
		Rejected:    QuarantineRejectedBatch(sink, nil),
		BatchSize:   4,
		Interval:    20 * time.Millisecond,
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	})
	pipeline := NewPipeline(&Builder{
		Resolver: identity.NewResolver(&identity.Builder{
			Store:           idStore,
			CertAuthEnabled: true,
		}),
		Limiter:                       ratelimit.NewLimiter(&ratelimit.Builder{Rate: ratePerSec, Burst: burst}),
		Provisioner:                   provisioner,
		Validator:                     schema.MustNewValidator(),
		Writer:                        writer,
		Quarantine:                    sink,
		Workers:                       2,
		QueueSize:                     16,
		AllowUnauthenticatedProvision: opts.allowUnauthenticatedProvision,
	})
	return &testHarness{
		pipeline:    pipeline,
		writer:      writer,
		sink:        sink,
		idStore:     idStore,
		provisioner: provisioner,
		tsStore:     tsStore,
		qStore:      qStore,
	}
}

func (h *testHarness) registerDevice(tenantID, deviceID, token string) {
	h.idStore.devices[tenantID+"/"+deviceID] = identity.DeviceRecord{
		Status:    "ACTIVE",
		TokenHash: identity.HashToken(token),
	}
}

// drain shuts the harness down in the production order: intake first, then
// the writer, then the quarantine sink.
func (h *testHarness) drain() {
	h.pipeline.Close()
	h.writer.Close()
	h.sink.Close()
}

func (h *testHarness) submit(t *testing.T, topic, payload, commonName string) {
	t.Helper()
	err := h.pipeline.Submit(context.Background(), Message{
		Topic:      topic,
		Payload:    []byte(payload),
		CommonName: commonName,
	})
	require.NoError(t, err)
}

func TestPipelineRoundTrip(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	h.submit(t, "tenant/acme/device/ev-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":81.5},"token":"secret"}`, "")
	h.drain()

	recs := h.tsStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "acme", recs[0].TenantID)
	assert.Equal(t, "ev-1", recs[0].DeviceID)
	assert.Equal(t, "telemetry", recs[0].MessageType)
	assert.Equal(t, 81.5, recs[0].Metrics["soc"])
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), recs[0].Time.UTC())
	assert.Empty(t, h.qStore.all())
	assert.Zero(t, h.provisioner.callCount())
}

func TestPipelineMalformedTopic(t *testing.T) {
	h := newTestHarness(harnessOptions{})

	h.submit(t, "fleet/acme/device/ev-1/telemetry", `{}`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "TOPIC_MALFORMED", recs[0].Reason)
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineTruncatedJSON(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	h.submit(t, "tenant/acme/device/ev-1/telemetry", `{"ts": "bad"`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "INVALID_JSON", recs[0].Reason)
	assert.Equal(t, "acme", recs[0].TenantID)
	assert.Equal(t, []byte(`{"ts": "bad"`), recs[0].Payload)
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineTokenInvalid(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	h.submit(t, "tenant/acme/device/ev-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1},"token":"wrong"}`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "TOKEN_INVALID", recs[0].Reason)
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineRateLimited(t *testing.T) {
	h := newTestHarness(harnessOptions{burst: 1, ratePerSec: 0.001})
	h.registerDevice("acme", "ev-1", "secret")

	payload := `{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1},"token":"secret"}`
	h.submit(t, "tenant/acme/device/ev-1/telemetry", payload, "")
	h.submit(t, "tenant/acme/device/ev-1/telemetry", payload, "")
	h.drain()

	// the queue has two workers, but the bucket is shared; exactly one of
	// the two messages gets the single burst token
	assert.Len(t, h.tsStore.all(), 1)
	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "RATE_LIMITED", recs[0].Reason)
}

func TestPipelineUnauthenticatedFirstContactRejected(t *testing.T) {
	h := newTestHarness(harnessOptions{})

	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1}}`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "AUTH_FAILED", recs[0].Reason)
	assert.Zero(t, h.provisioner.callCount())
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineUnauthenticatedFirstContactAllowed(t *testing.T) {
	h := newTestHarness(harnessOptions{allowUnauthenticatedProvision: true})

	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1}}`, "")
	h.drain()

	assert.Equal(t, 1, h.provisioner.callCount())
	assert.Len(t, h.tsStore.all(), 1)
	assert.Empty(t, h.qStore.all())
}

// A successful provisioning outcome must continue into validation and
// storage; it must never share the unregistered-device rejection branch.
func TestPipelineProvisionSuccessContinues(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.idStore.certs["acme/new-1"] = true

	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":42}}`, "acme/new-1")
	h.drain()

	assert.Equal(t, 1, h.provisioner.callCount())
	recs := h.tsStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "new-1", recs[0].DeviceID)
	assert.Empty(t, h.qStore.all())
}

func TestPipelineCapacityExceeded(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.idStore.certs["acme/new-1"] = true
	h.provisioner.outcome = provision.CapacityExceeded

	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1}}`, "acme/new-1")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "CAPACITY_EXCEEDED", recs[0].Reason)
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineProvisionLockTimeout(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.idStore.certs["acme/new-1"] = true
	h.provisioner.outcome = provision.LockTimeout

	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1}}`, "acme/new-1")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "PROVISION_LOCK_TIMEOUT", recs[0].Reason)
}

func TestPipelineSchemaInvalid(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	// valid JSON, but telemetry requires a non-empty metrics object
	h.submit(t, "tenant/acme/device/ev-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","token":"secret"}`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "SCHEMA_INVALID", recs[0].Reason)
	assert.Empty(t, h.tsStore.all())
}

func TestPipelineShadowReported(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	h.submit(t, "tenant/acme/device/ev-1/shadow/reported",
		`{"firmware":"2.4.1","token":"secret"}`, "")
	h.drain()

	recs := h.tsStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "shadow-reported", recs[0].MessageType)
	assert.Equal(t, "2.4.1", recs[0].Metrics["firmware"])
	// the credential never lands in storage
	_, hasToken := recs[0].Metrics["token"]
	assert.False(t, hasToken)
}

func TestPipelineStorageRejectedBatch(t *testing.T) {
	h := newTestHarness(harnessOptions{tsErr: errors.New("malformed array literal")})
	h.registerDevice("acme", "ev-1", "secret")

	payload := `{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1},"token":"secret"}`
	for i := 0; i < 3; i++ {
		h.submit(t, "tenant/acme/device/ev-1/telemetry", payload, "")
	}
	h.drain()

	assert.Empty(t, h.tsStore.all())
	recs := h.qStore.all()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, "STORAGE_REJECTED", rec.Reason)
		assert.Equal(t, "ev-1", rec.DeviceID)
	}
}

// A rejected batch must be quarantined with the message as it arrived on
// the wire, including the site segment of the topic.
func TestPipelineStorageRejectedKeepsOriginalMessage(t *testing.T) {
	h := newTestHarness(harnessOptions{tsErr: errors.New("connection reset")})
	h.registerDevice("acme", "ev-1", "secret")

	topic := "tenant/acme/site/plant-7/device/ev-1/telemetry"
	payload := `{"ts":"2026-08-28T10:00:00Z","metrics":{"rpm":900},"token":"secret"}`
	h.submit(t, topic, payload, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "STORAGE_REJECTED", recs[0].Reason)
	assert.Equal(t, "plant-7", recs[0].SiteID)
	assert.Equal(t, topic, recs[0].Topic)
	assert.Equal(t, []byte(payload), recs[0].Payload)
}

func TestPipelinePanicIsContained(t *testing.T) {
	h := newTestHarness(harnessOptions{allowUnauthenticatedProvision: true})
	h.registerDevice("acme", "ev-1", "secret")
	h.provisioner.panics = true

	// the first message panics inside the provisioner, the second must
	// still be processed by the surviving worker pool
	h.submit(t, "tenant/acme/device/new-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":1}}`, "")
	h.submit(t, "tenant/acme/device/ev-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"soc":2},"token":"secret"}`, "")
	h.drain()

	recs := h.tsStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "ev-1", recs[0].DeviceID)

	// the transport has already acknowledged the first message, so it
	// must surface in quarantine instead of disappearing
	qrecs := h.qStore.all()
	require.Len(t, qrecs, 1)
	assert.Equal(t, "STORAGE_REJECTED", qrecs[0].Reason)
	assert.Equal(t, "new-1", qrecs[0].DeviceID)
	assert.Equal(t, "tenant/acme/device/new-1/telemetry", qrecs[0].Topic)
	assert.NotEmpty(t, qrecs[0].Payload)
}

func TestPipelineSiteTopic(t *testing.T) {
	h := newTestHarness(harnessOptions{})
	h.registerDevice("acme", "ev-1", "secret")

	h.submit(t, "tenant/acme/site/plant-7/device/ev-1/telemetry",
		`{"ts":"2026-08-28T10:00:00Z","metrics":{"rpm":900},"token":"bogus"}`, "")
	h.drain()

	recs := h.qStore.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "plant-7", recs[0].SiteID)
	assert.Equal(t, "TOKEN_INVALID", recs[0].Reason)
}
