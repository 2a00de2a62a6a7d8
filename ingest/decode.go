package ingest

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Topic holds the identity fields parsed from a transport topic.
//
// The canonical pattern is
//
//	tenant/{tenant_id}/device/{device_id}/{message_type}[/suffix]
//
// with an optional site segment between tenant and device:
//
//	tenant/{tenant_id}/site/{site_id}/device/{device_id}/{message_type}[/suffix]
type Topic struct {
	TenantID    string
	SiteID      string
	DeviceID    string
	MessageType string
	Suffix      string
	Kind        MessageKind
	Raw         string
}

// DeviceKey returns the compound "tenant/device" key, which is also the
// expected certificate common name for this device.
func (t Topic) DeviceKey() string {
	return t.TenantID + "/" + t.DeviceID
}

// ParseTopic parses a transport topic into its identity fields. The message
// kind is resolved here, once; unknown message types count as malformed.
func ParseTopic(topic string) (Topic, error) {
	t := Topic{Raw: topic}
	segments := strings.Split(topic, "/")
	if len(segments) < 5 || segments[0] != "tenant" {
		return t, fmt.Errorf("topic %q does not match tenant/{tenant_id}/device/{device_id}/{message_type}", topic)
	}
	t.TenantID = segments[1]
	rest := segments[2:]
	if rest[0] == "site" {
		if len(rest) < 5 {
			return t, fmt.Errorf("topic %q has a site segment but too few segments", topic)
		}
		t.SiteID = rest[1]
		rest = rest[2:]
	}
	if rest[0] != "device" || len(rest) < 3 {
		return t, fmt.Errorf("topic %q is missing the device segment", topic)
	}
	t.DeviceID = rest[1]
	t.MessageType = rest[2]
	if len(rest) > 3 {
		t.Suffix = strings.Join(rest[3:], "/")
	}
	if t.TenantID == "" || t.DeviceID == "" {
		return t, fmt.Errorf("topic %q has an empty tenant or device id", topic)
	}

	switch t.MessageType {
	case "telemetry":
		t.Kind = KindTelemetry
	case "shadow":
		if t.Suffix != "reported" && !strings.HasPrefix(t.Suffix, "reported/") {
			return t, fmt.Errorf("topic %q: shadow messages require a reported suffix", topic)
		}
		t.Kind = KindShadowReported
	case "ack":
		t.Kind = KindCommandAck
	default:
		return t, fmt.Errorf("topic %q has unknown message type %q", topic, t.MessageType)
	}
	return t, nil
}

// Envelope is the decoded JSON payload of an inbound message. Raw keeps the
// original bytes for quarantine and for schema validation.
type Envelope struct {
	TS      string                 `json:"ts"`
	Metrics map[string]interface{} `json:"metrics"`
	Token   string                 `json:"token"`

	Raw []byte `json:"-"`
}

// EventTime returns the message's claimed event time, or the zero time if the
// ts field is absent or not RFC3339.
func (e Envelope) EventTime() time.Time {
	ts, err := time.Parse(time.RFC3339, e.TS)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// DecodeEnvelope decodes a payload as UTF-8 JSON. It distinguishes encoding
// failures from JSON failures so that each maps to its own quarantine reason.
// No partial payload is ever returned alongside an error.
//
// Field type mismatches are not an error here; the schema validator rejects
// those against the raw bytes with its own reason code.
func DecodeEnvelope(payload []byte) (Envelope, Reason, error) {
	if !utf8.Valid(payload) {
		return Envelope{}, ReasonInvalidEncoding, fmt.Errorf("payload is not valid UTF-8")
	}
	if !json.Valid(payload) {
		return Envelope{}, ReasonInvalidJSON, fmt.Errorf("payload is not valid JSON")
	}
	var e Envelope
	_ = json.Unmarshal(payload, &e)
	e.Raw = payload
	return e, "", nil
}
