package provision_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/ingest/provision"
)

// the provisioning tests need a real postgres, since correctness depends on
// advisory locks and row-level locking.
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
func testDB(t *testing.T) *csql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES")
	if dsn == "" {
		t.Skip("POSTGRES not set, skipping provisioning integration test")
	}
	db := csql.OpenWithSchema(dsn, "provision_test")
	db.ClearSchema()
	_, err := db.Exec(`
CREATE TABLE ` + db.Schema + `.device_registry (
 tenant_id varchar NOT NULL,
 device_id varchar NOT NULL,
 status varchar NOT NULL,
 subscription_id varchar NOT NULL,
 provision_token_hash varchar,
 provisioned_at timestamp NOT NULL,
 PRIMARY KEY(tenant_id, device_id),
 UNIQUE(device_id)
);
CREATE TABLE ` + db.Schema + `.subscriptions (
 subscription_id varchar PRIMARY KEY,
 tenant_id varchar NOT NULL,
 device_limit integer NOT NULL,
 active_device_count integer NOT NULL DEFAULT 0,
 status varchar NOT NULL
);`)
	require.NoError(t, err)
	return db
}

func addSubscription(t *testing.T, db *csql.DB, tenantID string, limit int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO `+db.Schema+`.subscriptions
 (subscription_id, tenant_id, device_limit, active_device_count, status)
 VALUES($1, $2, $3, 0, 'ACTIVE');`, "sub-"+tenantID, tenantID, limit)
	require.NoError(t, err)
}

func activeDeviceCount(t *testing.T, db *csql.DB, tenantID string) int {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT active_device_count FROM `+db.Schema+`.subscriptions
 WHERE tenant_id=$1;`, tenantID).Scan(&count)
	require.NoError(t, err)
	return count
}

func deviceRows(t *testing.T, db *csql.DB, tenantID, deviceID string) int {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT count(*) FROM `+db.Schema+`.device_registry
 WHERE tenant_id=$1 AND device_id=$2;`, tenantID, deviceID).Scan(&count)
	require.NoError(t, err)
	return count
}

func TestEnsureProvisionedConcurrent(t *testing.T) {
	db := testDB(t)
	defer db.Close()
	addSubscription(t, db, "acme", 10)

	c := provision.NewCoordinator(&provision.Builder{DB: db, LockTimeout: 10 * time.Second})

	const n = 32
	outcomes := make([]provision.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = c.EnsureProvisioned(context.Background(), "acme", "dev-racy")
		}(i)
	}
	wg.Wait()

	provisioned := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i] {
		case provision.ProvisionedNew:
			provisioned++
		case provision.AlreadyProvisioned:
		default:
			t.Fatalf("unexpected outcome %s", outcomes[i])
		}
	}
	assert.Equal(t, 1, provisioned, "exactly one caller must win the registration")
	assert.Equal(t, 1, deviceRows(t, db, "acme", "dev-racy"))
	assert.Equal(t, 1, activeDeviceCount(t, db, "acme"))
}

func TestEnsureProvisionedCapacity(t *testing.T) {
	db := testDB(t)
	defer db.Close()
	addSubscription(t, db, "tinyco", 2)

	c := provision.NewCoordinator(&provision.Builder{DB: db, LockTimeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome, err := c.EnsureProvisioned(ctx, "tinyco", fmt.Sprintf("dev-%d", i))
		require.NoError(t, err)
		assert.Equal(t, provision.ProvisionedNew, outcome)
	}
	assert.Equal(t, 2, activeDeviceCount(t, db, "tinyco"))

	// at capacity: no new rows, every attempt resolves to CapacityExceeded
	for i := 0; i < 5; i++ {
		outcome, err := c.EnsureProvisioned(ctx, "tinyco", "dev-overflow")
		require.NoError(t, err)
		assert.Equal(t, provision.CapacityExceeded, outcome)
	}
	assert.Equal(t, 0, deviceRows(t, db, "tinyco", "dev-overflow"))
	assert.Equal(t, 2, activeDeviceCount(t, db, "tinyco"))

	// an already provisioned device is still fine at capacity
	outcome, err := c.EnsureProvisioned(ctx, "tinyco", "dev-0")
	require.NoError(t, err)
	assert.Equal(t, provision.AlreadyProvisioned, outcome)
}

func TestEnsureProvisionedNoSubscription(t *testing.T) {
	db := testDB(t)
	defer db.Close()

	c := provision.NewCoordinator(&provision.Builder{DB: db, LockTimeout: time.Second})
	outcome, err := c.EnsureProvisioned(context.Background(), "ghost", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, provision.CapacityExceeded, outcome)
}

func TestLockKeyStable(t *testing.T) {
	a := provision.LockKey("acme", "dev-1")
	b := provision.LockKey("acme", "dev-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, provision.LockKey("acme", "dev-2"))
	assert.NotEqual(t, a, provision.LockKey("acmed", "ev-1"))
}
