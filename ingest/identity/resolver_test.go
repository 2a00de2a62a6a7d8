package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	activeCert map[string]bool         // "tenant/device" -> has active cert
	devices    map[string]DeviceRecord // "tenant/device" -> registry record
	certReads  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		activeCert: make(map[string]bool),
		devices:    make(map[string]DeviceRecord),
	}
}

func (f *fakeStore) HasActiveCertificate(ctx context.Context, tenantID, deviceID string) (bool, error) {
	f.certReads++
	return f.activeCert[tenantID+"/"+deviceID], nil
}

func (f *fakeStore) Device(ctx context.Context, tenantID, deviceID string) (DeviceRecord, bool, error) {
	rec, ok := f.devices[tenantID+"/"+deviceID]
	return rec, ok, nil
}

func newTestResolver(store Store, certAuth, tokenRequired bool) *Resolver {
	return NewResolver(&Builder{
		Store:           store,
		CertAuthEnabled: certAuth,
		TokenRequired:   tokenRequired,
		CacheTTL:        300 * time.Second,
		CacheMaxEntries: 100,
	})
}

func TestResolveCertificate(t *testing.T) {
	store := newFakeStore()
	store.activeCert["acme/dev-1"] = true
	store.devices["acme/dev-1"] = DeviceRecord{Status: "ACTIVE"}
	r := newTestResolver(store, true, true)

	res, err := r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, res.Decision)
	assert.True(t, res.Registered)

	// second resolve is served from the cache
	res, err = r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, res.Decision)
	assert.Equal(t, 1, store.certReads)
}

func TestResolveCertificateFirstContact(t *testing.T) {
	// a pre-issued certificate authenticates a device the registry has
	// never seen; the pipeline provisions it
	store := newFakeStore()
	store.activeCert["acme/dev-new"] = true
	r := newTestResolver(store, true, true)

	res, err := r.Resolve(context.Background(), "acme", "dev-new", Claim{CommonName: "acme/dev-new"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, res.Decision)
	assert.False(t, res.Registered)
}

func TestResolveCertificateSpoofedTopic(t *testing.T) {
	store := newFakeStore()
	store.activeCert["acme/dev-1"] = true
	r := newTestResolver(store, true, false)

	// certificate for dev-1 must not authorize publishing on dev-2's topic
	res, err := r.Resolve(context.Background(), "acme", "dev-2", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, Spoofed, res.Decision)
	assert.Zero(t, store.certReads)
}

func TestResolveRevocationObservedWithinTTL(t *testing.T) {
	store := newFakeStore()
	store.activeCert["acme/dev-1"] = true
	store.devices["acme/dev-1"] = DeviceRecord{Status: "ACTIVE"}
	r := newTestResolver(store, true, true)

	now := time.Now()
	r.cache.now = func() time.Time { return now }

	res, err := r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, res.Decision)

	// certificate gets revoked, no explicit invalidation call is made
	store.activeCert["acme/dev-1"] = false

	// still within the TTL window the stale verdict may be served
	res, _ = r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	assert.Equal(t, Authenticated, res.Decision)

	// one TTL later the revocation is observed
	now = now.Add(301 * time.Second)
	res, err = r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, TokenMissing, res.Decision)
}

func TestResolveCertFallsBackToToken(t *testing.T) {
	store := newFakeStore()
	store.devices["acme/dev-1"] = DeviceRecord{Status: "ACTIVE", TokenHash: HashToken("opensesame")}
	r := newTestResolver(store, true, true)

	claim := Claim{CommonName: "acme/dev-1", Token: "opensesame"}
	res, err := r.Resolve(context.Background(), "acme", "dev-1", claim)
	require.NoError(t, err)
	assert.Equal(t, Authenticated, res.Decision)
}

func TestResolveTokenOutcomes(t *testing.T) {
	store := newFakeStore()
	store.devices["acme/dev-1"] = DeviceRecord{Status: "ACTIVE", TokenHash: HashToken("opensesame")}
	store.devices["acme/dev-2"] = DeviceRecord{Status: "ACTIVE"} // registered, no token hash
	r := newTestResolver(store, false, true)

	res, _ := r.Resolve(context.Background(), "acme", "dev-1", Claim{Token: "opensesame"})
	assert.Equal(t, Authenticated, res.Decision)

	res, _ = r.Resolve(context.Background(), "acme", "dev-1", Claim{Token: "wrong"})
	assert.Equal(t, TokenInvalid, res.Decision)

	res, _ = r.Resolve(context.Background(), "acme", "dev-1", Claim{})
	assert.Equal(t, TokenMissing, res.Decision)

	res, _ = r.Resolve(context.Background(), "acme", "dev-2", Claim{Token: "anything"})
	assert.Equal(t, TokenNotSet, res.Decision)

	// never seen device
	res, _ = r.Resolve(context.Background(), "acme", "dev-9", Claim{Token: "anything"})
	assert.Equal(t, FirstContact, res.Decision)
	assert.False(t, res.Registered)
}

func TestResolveTokenOptional(t *testing.T) {
	store := newFakeStore()
	store.devices["acme/dev-1"] = DeviceRecord{Status: "ACTIVE"}
	r := newTestResolver(store, false, false)

	res, _ := r.Resolve(context.Background(), "acme", "dev-1", Claim{})
	assert.Equal(t, NoCredentials, res.Decision)
}

func TestResolveSuspendedDevice(t *testing.T) {
	store := newFakeStore()
	store.activeCert["acme/dev-1"] = true
	store.devices["acme/dev-1"] = DeviceRecord{Status: "SUSPENDED"}
	r := newTestResolver(store, true, false)

	res, err := r.Resolve(context.Background(), "acme", "dev-1", Claim{CommonName: "acme/dev-1"})
	require.NoError(t, err)
	assert.Equal(t, Inactive, res.Decision)
}
