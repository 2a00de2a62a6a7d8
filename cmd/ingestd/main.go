// Command ingestd runs the device telemetry ingestion service: an MQTT
// ingress with mutual TLS, the processing pipeline, and a health/metrics
// endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq" // for the postgres database
	"github.com/sirupsen/logrus"

	"github.com/voltaic-systems/ingest/core/csql"
	"github.com/voltaic-systems/ingest/core/logger"
	"github.com/voltaic-systems/ingest/core/metrics"
	"github.com/voltaic-systems/ingest/ingest"
	"github.com/voltaic-systems/ingest/ingest/events"
	"github.com/voltaic-systems/ingest/ingest/identity"
	"github.com/voltaic-systems/ingest/ingest/provision"
	"github.com/voltaic-systems/ingest/ingest/quarantine"
	"github.com/voltaic-systems/ingest/ingest/ratelimit"
	"github.com/voltaic-systems/ingest/ingest/schema"
	"github.com/voltaic-systems/ingest/ingest/tswriter"
	"github.com/voltaic-systems/ingest/mqtt"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Schema   string `env:"INGEST_SCHEMA,default=ingest" description:"the database schema for the ingestion tables"`
	Port     string `env:"INGEST_PORT,default=3000" description:"the port for the health and metrics endpoint"`

	MQTTAddress       string `env:"MQTT_ADDRESS,default=:8883"`
	CertFile          string `env:"MQTT_CERT_FILE,default=server.crt"`
	KeyFile           string `env:"MQTT_KEY_FILE,default=server.key"`
	CAFile            string `env:"MQTT_CA_FILE,default=ca.crt"`
	RequireClientCert bool   `env:"MQTT_REQUIRE_CLIENT_CERT,default=false"`

	CertAuthEnabled               bool `env:"CERT_AUTH_ENABLED,default=true"`
	TokenRequired                 bool `env:"TOKEN_REQUIRED,default=false"`
	AllowUnauthenticatedProvision bool `env:"ALLOW_UNAUTHENTICATED_PROVISION,default=false"`

	CacheTTL        time.Duration `env:"CERT_CACHE_TTL,default=300s"`
	CacheMaxEntries int           `env:"CERT_CACHE_MAX_ENTRIES,default=50000"`

	RatePerSecond float64 `env:"RATE_LIMIT_RATE,default=10"`
	RateBurst     int     `env:"RATE_LIMIT_BURST,default=20"`

	LockTimeout   time.Duration `env:"PROVISION_LOCK_TIMEOUT,default=5s"`
	BatchSize     int           `env:"BATCH_SIZE,default=1000"`
	BatchInterval time.Duration `env:"BATCH_INTERVAL,default=1s"`
	Workers       int           `env:"PIPELINE_WORKERS,default=8"`
	QueueSize     int           `env:"INTAKE_QUEUE_SIZE,default=512"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma-separated broker list, accepted-event publishing disabled if empty"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=ingest.accepted"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	var s3Config quarantine.S3Configuration
	if err := envdecode.Decode(&s3Config); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.Schema)
	defer db.Close()
	ingest.MustCreateTablesIfNotExists(db)

	m := metrics.New()

	var archiver quarantine.Archiver
	if s3Config.AWSBucketName != "" {
		s3Archiver, err := quarantine.NewS3Archiver(s3Config)
		if err != nil {
			panic(err)
		}
		archiver = s3Archiver
	}
	sink := quarantine.NewSink(&quarantine.Builder{
		Store:    quarantine.NewSQLStore(db),
		Archiver: archiver,
	})

	writer := tswriter.NewWriter(&tswriter.Builder{
		Store:     tswriter.NewSQLStore(db),
		Rejected:  ingest.QuarantineRejectedBatch(sink, m),
		BatchSize: service.BatchSize,
		Interval:  service.BatchInterval,
		OnFlush:   ingest.MetricsFlushObserver(m),
	})

	var publisher *events.Publisher
	if service.KafkaBrokers != "" {
		publisher = events.NewPublisher(&events.Builder{
			Brokers: strings.Split(service.KafkaBrokers, ","),
			Topic:   service.KafkaTopic,
		})
	}

	pipeline := ingest.NewPipeline(&ingest.Builder{
		Resolver: identity.NewResolver(&identity.Builder{
			Store:           identity.NewSQLStore(db),
			CertAuthEnabled: service.CertAuthEnabled,
			TokenRequired:   service.TokenRequired,
			CacheTTL:        service.CacheTTL,
			CacheMaxEntries: service.CacheMaxEntries,
		}),
		Limiter: ratelimit.NewLimiter(&ratelimit.Builder{
			Rate:  service.RatePerSecond,
			Burst: service.RateBurst,
		}),
		Provisioner: provision.NewCoordinator(&provision.Builder{
			DB:          db,
			LockTimeout: service.LockTimeout,
		}),
		Validator:                     schema.MustNewValidator(),
		Writer:                        writer,
		Quarantine:                    sink,
		Events:                        publisher,
		Metrics:                       m,
		Workers:                       service.Workers,
		QueueSize:                     service.QueueSize,
		AllowUnauthenticatedProvision: service.AllowUnauthenticatedProvision,
	})

	ingress := mqtt.MustNewIngress(&mqtt.Builder{
		Address:           service.MQTTAddress,
		CertFile:          service.CertFile,
		KeyFile:           service.KeyFile,
		CAFile:            service.CAFile,
		RequireClientCert: service.RequireClientCert,
		Submit:            pipeline.Submit,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ingest/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           "up",
			"intake_depth":     pipeline.Depth(),
			"buffered_records": writer.Buffered(),
			"quarantine_depth": sink.Depth(),
		})
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:    ":" + service.Port,
		Handler: handlers.RecoveryHandler()(router),
	}
	go func() {
		logger.Default().Infoln("health endpoint listening on port :" + service.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Default().WithError(err).Errorln("health endpoint stopped")
		}
	}()

	ingress.Run()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	logger.Default().Infoln("shutting down")

	// stop the transport first, then drain the pipeline, then flush the
	// writer and quarantine; this order guarantees no acknowledged message
	// is lost
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ingress.Stop(shutdownCtx)
	pipeline.Close()
	writer.Close()
	sink.Close()
	if publisher != nil {
		publisher.Close()
	}
	httpServer.Shutdown(shutdownCtx)
	logger.Default().Infoln("stopped")
}
