/*Package identity resolves inbound message credentials to a tenant/device
identity.

Two authentication strategies coexist: mutual-TLS certificates whose common
name encodes "tenant_id/device_id", and legacy shared-secret tokens submitted
in the payload. Certificate authentication takes priority; when it succeeds,
token checking is skipped entirely.
*/
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/logger"
)

// Decision is the resolver's verdict for one message.
type Decision int

const (
	// Authenticated means the credentials check out for the topic's device.
	Authenticated Decision = iota
	// FirstContact means the device is not in the registry at all and could
	// not authenticate. Whether such a message may proceed to
	// auto-provisioning is the pipeline's policy decision, not ours.
	FirstContact
	// NoCredentials means a registered device presented neither a usable
	// certificate nor a token, and tokens are optional.
	NoCredentials
	// Spoofed means the certificate common name does not match the topic's
	// tenant/device. This is rejected outright, with no token fallback.
	Spoofed
	// Inactive means the device is registered but not ACTIVE.
	Inactive
	// TokenMissing means tokens are mandatory and none was submitted.
	TokenMissing
	// TokenInvalid means the submitted token does not match the registry.
	TokenInvalid
	// TokenNotSet means the device exists but has no token hash in the
	// registry to compare against.
	TokenNotSet
)

func (d Decision) String() string {
	switch d {
	case Authenticated:
		return "authenticated"
	case FirstContact:
		return "first-contact"
	case NoCredentials:
		return "no-credentials"
	case Spoofed:
		return "spoofed"
	case Inactive:
		return "inactive"
	case TokenMissing:
		return "token-missing"
	case TokenInvalid:
		return "token-invalid"
	case TokenNotSet:
		return "token-not-set"
	}
	return "unknown"
}

// Resolution is the full resolver result. Registered tells the pipeline
// whether the device needs auto-provisioning; a certificate-authenticated
// device may well be unregistered on first contact.
type Resolution struct {
	Decision   Decision
	Registered bool
}

// DeviceRecord is the registry's view on one device.
type DeviceRecord struct {
	Status    string
	TokenHash string
}

// Store is the resolver's view on the certificate store and device registry.
type Store interface {
	// HasActiveCertificate reports whether an ACTIVE certificate inside its
	// validity window exists for the device.
	HasActiveCertificate(ctx context.Context, tenantID, deviceID string) (bool, error)
	// Device returns the registry record for the device. The second return
	// value is false if the device is not registered at all.
	Device(ctx context.Context, tenantID, deviceID string) (DeviceRecord, bool, error)
}

// Claim carries the credentials presented with one message: the
// transport-verified certificate common name (empty if the connection had no
// client certificate) and the token submitted in the payload, if any.
type Claim struct {
	CommonName string
	Token      string
}

// Resolver turns claims into resolutions.
type Resolver struct {
	store         Store
	cache         *CertAuthCache
	certAuth      bool
	tokenRequired bool
}

// Builder is a builder helper for the Resolver
type Builder struct {
	// Store is the certificate store and device registry view. This is mandatory.
	Store Store
	// CertAuthEnabled turns the certificate strategy on.
	CertAuthEnabled bool
	// TokenRequired makes shared-secret tokens mandatory when certificate
	// authentication did not succeed.
	TokenRequired bool
	// CacheTTL bounds how long a certificate verdict may be served.
	CacheTTL time.Duration
	// CacheMaxEntries bounds the verdict cache size.
	CacheMaxEntries int
}

// NewResolver creates a resolver with its own verdict cache.
func NewResolver(b *Builder) *Resolver {
	if b.Store == nil {
		panic("Store is missing")
	}
	ttl := b.CacheTTL
	if ttl == 0 {
		ttl = 300 * time.Second
	}
	maxEntries := b.CacheMaxEntries
	if maxEntries == 0 {
		maxEntries = 50000
	}
	return &Resolver{
		store:         b.Store,
		cache:         NewCertAuthCache(ttl, maxEntries),
		certAuth:      b.CertAuthEnabled,
		tokenRequired: b.TokenRequired,
	}
}

// Cache exposes the verdict cache, for tests and health reporting.
func (r *Resolver) Cache() *CertAuthCache { return r.cache }

// Resolve decides whether the claim authenticates the topic's device.
func (r *Resolver) Resolve(ctx context.Context, tenantID, deviceID string, claim Claim) (Resolution, error) {
	deviceKey := tenantID + "/" + deviceID

	rec, registered, err := r.store.Device(ctx, tenantID, deviceID)
	if err != nil {
		return Resolution{}, err
	}
	if registered && rec.Status != "ACTIVE" {
		return Resolution{Decision: Inactive, Registered: true}, nil
	}

	if r.certAuth && claim.CommonName != "" {
		if claim.CommonName != deviceKey {
			logger.FromContext(ctx).Warnln("certificate common name", claim.CommonName,
				"does not match topic device", deviceKey)
			return Resolution{Decision: Spoofed, Registered: registered}, nil
		}
		ok, cached := r.cache.Read(claim.CommonName)
		if !cached {
			ok, err = r.store.HasActiveCertificate(ctx, tenantID, deviceID)
			if err != nil {
				return Resolution{}, err
			}
			r.cache.Write(claim.CommonName, ok)
		}
		if ok {
			return Resolution{Decision: Authenticated, Registered: registered}, nil
		}
		// no active certificate for this device, fall back to token auth
	}

	if !registered {
		return Resolution{Decision: FirstContact}, nil
	}
	if claim.Token == "" {
		if r.tokenRequired {
			return Resolution{Decision: TokenMissing, Registered: true}, nil
		}
		return Resolution{Decision: NoCredentials, Registered: true}, nil
	}
	if rec.TokenHash == "" {
		return Resolution{Decision: TokenNotSet, Registered: true}, nil
	}
	if subtle.ConstantTimeCompare([]byte(HashToken(claim.Token)), []byte(rec.TokenHash)) == 1 {
		return Resolution{Decision: Authenticated, Registered: true}, nil
	}
	return Resolution{Decision: TokenInvalid, Registered: true}, nil
}

// HashToken returns the hex encoded SHA-256 of a shared-secret token, the
// format stored in the device registry.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SQLStore implements Store against the device_certificates and
// device_registry tables.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore returns a store reading from db.
func NewSQLStore(db *csql.DB) *SQLStore {
	if db == nil {
		panic("DB is missing")
	}
	return &SQLStore{db: db}
}

// HasActiveCertificate implements Store
func (s *SQLStore) HasActiveCertificate(ctx context.Context, tenantID, deviceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.db.Schema+`.device_certificates
 WHERE tenant_id=$1 AND device_id=$2 AND status='ACTIVE'
 AND now() BETWEEN not_before AND not_after);`,
		tenantID, deviceID).Scan(&exists)
	return exists, err
}

// Device implements Store
func (s *SQLStore) Device(ctx context.Context, tenantID, deviceID string) (DeviceRecord, bool, error) {
	var rec DeviceRecord
	var hash *string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, provision_token_hash FROM `+s.db.Schema+`.device_registry
 WHERE tenant_id=$1 AND device_id=$2;`,
		tenantID, deviceID).Scan(&rec.Status, &hash)
	if err == csql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if hash != nil {
		rec.TokenHash = *hash
	}
	return rec, true, nil
}
