// Package test contains the end-to-end integration suite for the ingestion
// pipeline, running against real postgres and kafka containers.
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/metrics"
	"github.com/voltaic-systems/ingest/ingest"
	"github.com/voltaic-systems/ingest/ingest/events"
	"github.com/voltaic-systems/ingest/ingest/identity"
	"github.com/voltaic-systems/ingest/ingest/provision"
	"github.com/voltaic-systems/ingest/ingest/quarantine"
	"github.com/voltaic-systems/ingest/ingest/ratelimit"
	"github.com/voltaic-systems/ingest/ingest/schema"
	"github.com/voltaic-systems/ingest/ingest/tswriter"
)

const acceptedTopic = "ingest.accepted"

// IntegrationTestSuite boots postgres and kafka containers and assembles the
// full pipeline against them.
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db        *csql.DB
	pipeline  *ingest.Pipeline
	writer    *tswriter.Writer
	sink      *quarantine.Sink
	publisher *events.Publisher
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "ingest-test-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	err = s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             acceptedTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "ingest_test")
	ingest.MustCreateTablesIfNotExists(s.db)
	s.createCollaboratorTables()

	s.startPipeline()
}

// createCollaboratorTables creates the registry tables that are owned by the
// external management APIs in production.
func (s *IntegrationTestSuite) createCollaboratorTables() {
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.db.Schema + `.subscriptions
(subscription_id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
tenant_id varchar NOT NULL UNIQUE,
device_limit integer NOT NULL,
active_device_count integer NOT NULL DEFAULT 0,
status varchar NOT NULL DEFAULT 'ACTIVE'
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.device_registry
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
status varchar NOT NULL DEFAULT 'ACTIVE',
subscription_id uuid,
provision_token_hash varchar,
provisioned_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(tenant_id, device_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.device_certificates
(fingerprint varchar PRIMARY KEY,
tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
status varchar NOT NULL DEFAULT 'ACTIVE',
not_before timestamp NOT NULL,
not_after timestamp NOT NULL
);`)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) startPipeline() {
	m := metrics.New()
	s.sink = quarantine.NewSink(&quarantine.Builder{
		Store: quarantine.NewSQLStore(s.db),
	})
	s.writer = tswriter.NewWriter(&tswriter.Builder{
		Store:     tswriter.NewSQLStore(s.db),
		Rejected:  ingest.QuarantineRejectedBatch(s.sink, m),
		BatchSize: 10,
		Interval:  50 * time.Millisecond,
		OnFlush:   ingest.MetricsFlushObserver(m),
	})
	s.publisher = events.NewPublisher(&events.Builder{
		Brokers: []string{s.kafkaAddr},
		Topic:   acceptedTopic,
	})
	s.pipeline = ingest.NewPipeline(&ingest.Builder{
		Resolver: identity.NewResolver(&identity.Builder{
			Store:           identity.NewSQLStore(s.db),
			CertAuthEnabled: true,
		}),
		Limiter:     ratelimit.NewLimiter(&ratelimit.Builder{Rate: 1000, Burst: 1000}),
		Provisioner: provision.NewCoordinator(&provision.Builder{DB: s.db}),
		Validator:   schema.MustNewValidator(),
		Writer:      s.writer,
		Quarantine:  s.sink,
		Events:      s.publisher,
		Metrics:     m,
		Workers:     4,
	})
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()

	if s.pipeline != nil {
		s.pipeline.Close()
		s.writer.Close()
		s.sink.Close()
		s.publisher.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}

func (s *IntegrationTestSuite) addSubscription(tenantID string, limit int) {
	_, err := s.db.Exec(`INSERT INTO `+s.db.Schema+`.subscriptions(tenant_id, device_limit)
 VALUES($1,$2) ON CONFLICT (tenant_id) DO NOTHING;`, tenantID, limit)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) registerDevice(tenantID, deviceID, tokenHash string) {
	_, err := s.db.Exec(`INSERT INTO `+s.db.Schema+`.device_registry
 (tenant_id, device_id, provision_token_hash) VALUES($1,$2,$3)
 ON CONFLICT (tenant_id, device_id) DO UPDATE SET provision_token_hash=$3;`,
		tenantID, deviceID, tokenHash)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) telemetryCount(tenantID, deviceID string) int {
	var count int
	err := s.db.QueryRow(`SELECT count(*) FROM `+s.db.Schema+`.telemetry
 WHERE tenant_id=$1 AND device_id=$2;`, tenantID, deviceID).Scan(&count)
	s.Require().NoError(err)
	return count
}

func (s *IntegrationTestSuite) quarantineReasons(tenantID, deviceID string) []string {
	rows, err := s.db.Query(`SELECT reason FROM `+s.db.Schema+`.quarantine
 WHERE tenant_id=$1 AND device_id=$2 ORDER BY received_at;`, tenantID, deviceID)
	s.Require().NoError(err)
	defer rows.Close()
	var reasons []string
	for rows.Next() {
		var reason string
		s.Require().NoError(rows.Scan(&reason))
		reasons = append(reasons, reason)
	}
	return reasons
}
