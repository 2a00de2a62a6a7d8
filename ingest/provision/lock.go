package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"
)

// ErrLockTimeout is returned by Acquire when the advisory lock could not be
// taken within the configured wait.
var ErrLockTimeout = errors.New("advisory lock acquisition timed out")

// LockKey derives the stable 64-bit advisory lock key for a device.
func LockKey(tenantID, deviceID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'/'})
	h.Write([]byte(deviceID))
	return int64(h.Sum64())
}

// TxAdvisoryLock is a cross-process mutual-exclusion primitive backed by
// postgres transaction-scoped advisory locks. A lock taken with Acquire is
// held until the enclosing transaction commits or rolls back; there is no
// separate release path to forget.
//
// This must not be simulated with in-process mutexes: correctness of
// provisioning depends on it working across replicas.
type TxAdvisoryLock struct {
	timeout time.Duration
}

// NewTxAdvisoryLock creates a lock helper with a bounded acquisition wait.
func NewTxAdvisoryLock(timeout time.Duration) *TxAdvisoryLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TxAdvisoryLock{timeout: timeout}
}

// Acquire takes the advisory lock for key inside tx, waiting at most the
// configured timeout. On timeout it returns ErrLockTimeout and the caller
// must abandon the transaction.
func (l *TxAdvisoryLock) Acquire(ctx context.Context, tx *sql.Tx, key int64) error {
	// lock_timeout cannot be bound as a parameter
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`SET LOCAL lock_timeout = '%dms';`, l.timeout.Milliseconds()))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1);`, key)
	if isLockNotAvailable(err) {
		return ErrLockTimeout
	}
	return err
}

// isLockNotAvailable matches the postgres lock_not_available error raised
// when lock_timeout expires.
func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "55P03"
	}
	return false
}
