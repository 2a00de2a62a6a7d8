package ingest

import (
	_ "github.com/lib/pq" // for the postgres database

	"github.com/voltaic-systems/ingest/core/csql"
)

// MustCreateTablesIfNotExists creates the SQL tables owned by the ingestion
// core: the telemetry time-series table and the quarantine table. The device
// registry, certificate and subscription tables belong to the external
// management APIs and are only read here.
func MustCreateTablesIfNotExists(db *csql.DB) {
	// poor man's database migrations
	_, err := db.Query(
		`CREATE table IF NOT EXISTS ` + db.Schema + `.telemetry
(time timestamp NOT NULL,
tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
message_type varchar NOT NULL,
metrics json NOT NULL
);
CREATE index IF NOT EXISTS telemetry_device_time ON ` + db.Schema + `.telemetry(tenant_id, device_id, time);
CREATE table IF NOT EXISTS ` + db.Schema + `.quarantine
(quarantine_id uuid PRIMARY KEY,
topic varchar NOT NULL,
tenant_id varchar NOT NULL DEFAULT '',
site_id varchar NOT NULL DEFAULT '',
device_id varchar NOT NULL DEFAULT '',
message_type varchar NOT NULL DEFAULT '',
reason varchar NOT NULL,
payload bytea,
archive_key varchar NOT NULL DEFAULT '',
event_time timestamp,
received_at timestamp NOT NULL
);
CREATE index IF NOT EXISTS quarantine_reason_received ON ` + db.Schema + `.quarantine(reason, received_at);`)

	if err != nil {
		panic(err)
	}
}
