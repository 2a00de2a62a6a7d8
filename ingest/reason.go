package ingest

// Reason classifies why a message was diverted to quarantine. Every failure
// path in the pipeline maps to exactly one of these codes; nothing is ever
// silently dropped.
type Reason string

// The full rejection taxonomy. All of these are non-fatal to the process.
const (
	ReasonTopicMalformed        Reason = "TOPIC_MALFORMED"
	ReasonInvalidJSON           Reason = "INVALID_JSON"
	ReasonInvalidEncoding       Reason = "INVALID_ENCODING"
	ReasonAuthFailed            Reason = "AUTH_FAILED"
	ReasonTokenMissing          Reason = "TOKEN_MISSING"
	ReasonTokenInvalid          Reason = "TOKEN_INVALID"
	ReasonTokenNotSetInRegistry Reason = "TOKEN_NOT_SET_IN_REGISTRY"
	ReasonRateLimited           Reason = "RATE_LIMITED"
	ReasonCapacityExceeded      Reason = "CAPACITY_EXCEEDED"
	ReasonProvisionLockTimeout  Reason = "PROVISION_LOCK_TIMEOUT"
	ReasonSchemaInvalid         Reason = "SCHEMA_INVALID"
	ReasonStorageRejected       Reason = "STORAGE_REJECTED"
)

func (r Reason) String() string { return string(r) }

// MessageKind is the tagged variant over the supported message types. The kind
// is resolved exactly once, at decode time; no stage downstream dispatches on
// topic strings.
type MessageKind int

// The supported message kinds.
const (
	KindUnknown MessageKind = iota
	KindTelemetry
	KindShadowReported
	KindCommandAck
)

func (k MessageKind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindShadowReported:
		return "shadow-reported"
	case KindCommandAck:
		return "command-ack"
	}
	return "unknown"
}
