/*Package provision registers first-seen devices exactly once.

Many near-simultaneous messages from a never-seen device must result in one
registry row and one increment of the subscription's device counter. The
coordinator serializes competing registrations across processes with a
transaction-scoped postgres advisory lock keyed by a stable hash of the
device identity.
*/
package provision

import (
	"context"
	"time"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/logger"
)

// Outcome is the tagged result of a provisioning attempt. The pipeline
// consumes it at a single dispatch point: "provisioned, continue" and
// "not provisioned, quarantine" cannot be conflated.
type Outcome int

const (
	// OutcomeUnknown is only returned together with a non-nil error.
	OutcomeUnknown Outcome = iota
	// ProvisionedNew means this call created the registry row.
	ProvisionedNew
	// AlreadyProvisioned means the device exists, possibly registered by a
	// competing process a moment ago.
	AlreadyProvisioned
	// CapacityExceeded means the tenant's subscription is at its device
	// limit; no row was created.
	CapacityExceeded
	// LockTimeout means the advisory lock could not be acquired in time.
	LockTimeout
)

func (o Outcome) String() string {
	switch o {
	case ProvisionedNew:
		return "provisioned-new"
	case AlreadyProvisioned:
		return "already-provisioned"
	case CapacityExceeded:
		return "capacity-exceeded"
	case LockTimeout:
		return "lock-timeout"
	}
	return "unknown"
}

// Coordinator performs cross-process-safe device registration.
type Coordinator struct {
	db   *csql.DB
	lock *TxAdvisoryLock
}

// Builder is a builder helper for the Coordinator
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// LockTimeout bounds the advisory lock acquisition wait. Default 5s.
	LockTimeout time.Duration
}

// NewCoordinator creates the coordinator.
func NewCoordinator(b *Builder) *Coordinator {
	if b.DB == nil {
		panic("DB is missing")
	}
	return &Coordinator{
		db:   b.DB,
		lock: NewTxAdvisoryLock(b.LockTimeout),
	}
}

// EnsureProvisioned registers the device if it is unknown. The existence
// re-check, the capacity check and the counter increment all happen in one
// transaction under the advisory lock, so a crash between steps cannot leave
// the counter and the device set inconsistent.
func (c *Coordinator) EnsureProvisioned(ctx context.Context, tenantID, deviceID string) (Outcome, error) {
	mlog := logger.FromContext(ctx)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeUnknown, err
	}
	defer tx.Rollback()

	err = c.lock.Acquire(ctx, tx, LockKey(tenantID, deviceID))
	if err == ErrLockTimeout {
		mlog.Warnln("provisioning lock timeout for", tenantID+"/"+deviceID)
		return LockTimeout, nil
	}
	if err != nil {
		return OutcomeUnknown, err
	}

	// re-check existence: another process may have just inserted
	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM `+c.db.Schema+`.device_registry WHERE tenant_id=$1 AND device_id=$2;`,
		tenantID, deviceID).Scan(&one)
	if err == nil {
		return AlreadyProvisioned, tx.Commit()
	}
	if err != csql.ErrNoRows {
		return OutcomeUnknown, err
	}

	var subscriptionID string
	var deviceLimit, activeCount int
	err = tx.QueryRowContext(ctx,
		`SELECT subscription_id, device_limit, active_device_count
 FROM `+c.db.Schema+`.subscriptions
 WHERE tenant_id=$1 AND status='ACTIVE' FOR UPDATE;`,
		tenantID).Scan(&subscriptionID, &deviceLimit, &activeCount)
	if err == csql.ErrNoRows {
		mlog.Warnln("no active subscription for tenant", tenantID)
		return CapacityExceeded, nil
	}
	if err != nil {
		return OutcomeUnknown, err
	}

	if activeCount >= deviceLimit {
		return CapacityExceeded, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+c.db.Schema+`.device_registry
 (tenant_id, device_id, status, subscription_id, provisioned_at)
 VALUES($1, $2, 'ACTIVE', $3, now());`,
		tenantID, deviceID, subscriptionID)
	if err != nil {
		return OutcomeUnknown, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE `+c.db.Schema+`.subscriptions
 SET active_device_count = active_device_count + 1
 WHERE subscription_id=$1;`,
		subscriptionID)
	if err != nil {
		return OutcomeUnknown, err
	}

	if err = tx.Commit(); err != nil {
		return OutcomeUnknown, err
	}
	mlog.Infoln("auto-provisioned device", tenantID+"/"+deviceID,
		"on subscription", subscriptionID)
	return ProvisionedNew, nil
}
