package schema_test

import (
	"testing"

	"github.com/voltaic-systems/ingest/ingest/schema"
)

func TestValidatorKnowsAllKinds(t *testing.T) {
	v := schema.MustNewValidator()
	for _, name := range []string{"telemetry", "shadow-reported", "command-ack"} {
		if !v.HasSchema(name) {
			t.Fatalf("expected schema %s to be embedded", name)
		}
	}
	if v.HasSchema("spam") {
		t.Fatal("unexpected schema spam")
	}
}

func TestValidateTelemetry(t *testing.T) {
	v := schema.MustNewValidator()

	valid := `{"ts":"2026-08-28T10:00:00Z","metrics":{"temp":21.5}}`
	if err := v.ValidateBytes([]byte(valid), "telemetry"); err != nil {
		t.Fatalf("%s is expected to be valid telemetry. Reported error was: %v", valid, err)
	}

	invalid := []string{
		`{"metrics":{"temp":21.5}}`,                 // missing ts
		`{"ts":"2026-08-28T10:00:00Z"}`,             // missing metrics
		`{"ts":"bad","metrics":{"temp":1}}`,         // ts not a timestamp
		`{"ts":"2026-08-28T10:00:00Z","metrics":5}`, // metrics not an object
		`{"ts":"2026-08-28T10:00:00Z","metrics":{}}`,
	}
	for _, doc := range invalid {
		if err := v.ValidateBytes([]byte(doc), "telemetry"); err == nil {
			t.Fatalf("%s is expected to be invalid telemetry", doc)
		}
	}
}

func TestValidateShadowReported(t *testing.T) {
	v := schema.MustNewValidator()
	if err := v.ValidateBytes([]byte(`{"power":"on"}`), "shadow-reported"); err != nil {
		t.Fatalf("expected valid shadow report, got %v", err)
	}
	if err := v.ValidateBytes([]byte(`{}`), "shadow-reported"); err == nil {
		t.Fatal("empty shadow report is expected to be invalid")
	}
}

func TestValidateCommandAck(t *testing.T) {
	v := schema.MustNewValidator()
	if err := v.ValidateBytes([]byte(`{"command_id":"42","status":"ok"}`), "command-ack"); err != nil {
		t.Fatalf("expected valid command ack, got %v", err)
	}
	if err := v.ValidateBytes([]byte(`{"command_id":"42","status":"later"}`), "command-ack"); err == nil {
		t.Fatal("unknown ack status is expected to be invalid")
	}
	if err := v.ValidateBytes([]byte(`{"status":"ok"}`), "command-ack"); err == nil {
		t.Fatal("ack without command_id is expected to be invalid")
	}
}
