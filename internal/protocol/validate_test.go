package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func validRequest(p ControlRequestPayload) *Message {
	data, _ := json.Marshal(p)
	return &Message{
		Envelope: Envelope{
			ID:            "550e8400-e29b-41d4-a716-446655440000",
			Timestamp:     1771329600,
			Source:        Source{Service: "sensorsim_ctl", Instance: "ctl-01", Version: "1.0.0"},
			SchemaVersion: "v1.0.0",
			Type:          TypeControlRequest,
			CorrelationID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			ReplyTo:       "sensorsim:responses:ctl-01",
		},
		Payload: json.RawMessage(data),
	}
}

func TestValidateControlRequest(t *testing.T) {
	if err := Validate(validRequest(ControlRequestPayload{Operation: OpSpike, Unit: 2, Index: intp(5), Magnitude: intp(100), DurationMs: 200})); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := Validate(validRequest(ControlRequestPayload{Operation: OpStatus})); err != nil {
		t.Errorf("status needs no unit, got %v", err)
	}
}

func TestValidateInvalidMessages(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr string
	}{
		{"bad id", func(m *Message) { m.Envelope.ID = "nope" }, "invalid id"},
		{"negative timestamp", func(m *Message) { m.Envelope.Timestamp = -1 }, "invalid timestamp"},
		{"bad service", func(m *Message) { m.Envelope.Source.Service = "Bad-Service" }, "source.service"},
		{"bad instance", func(m *Message) { m.Envelope.Source.Instance = "" }, "source.instance"},
		{"bad version", func(m *Message) { m.Envelope.Source.Version = "v1" }, "source.version"},
		{"bad schema", func(m *Message) { m.Envelope.SchemaVersion = "v2.0.0" }, "schema_version"},
		{"bad type", func(m *Message) { m.Envelope.Type = "device.command.request" }, "invalid type"},
		{"bad correlation", func(m *Message) { m.Envelope.CorrelationID = "xyz" }, "invalid correlation_id"},
		{"bad reply_to", func(m *Message) { m.Envelope.ReplyTo = "Bad Channel" }, "invalid reply_to"},
		{"missing correlation", func(m *Message) { m.Envelope.CorrelationID = "" }, "missing correlation_id"},
		{"missing reply_to", func(m *Message) { m.Envelope.ReplyTo = "" }, "missing reply_to"},
		{"unknown operation", func(m *Message) { m.Payload = json.RawMessage(`{"operation":"throw_starts"}`) }, "invalid operation"},
		{"missing unit", func(m *Message) { m.Payload = json.RawMessage(`{"operation":"disable","index":3}`) }, "missing unit"},
		{"missing index", func(m *Message) { m.Payload = json.RawMessage(`{"operation":"enable","unit":1}`) }, "missing index"},
		{"spike missing magnitude", func(m *Message) {
			m.Payload = json.RawMessage(`{"operation":"spike","unit":1,"index":2,"duration_ms":100}`)
		}, "missing magnitude"},
		{"payload not object", func(m *Message) { m.Payload = json.RawMessage(`[1]`) }, "invalid payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validRequest(ControlRequestPayload{Operation: OpDisable, Unit: 1, Index: intp(3)})
			tt.mutate(msg)
			err := Validate(msg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateResponseMissingCorrelationID(t *testing.T) {
	msg, _ := NewMessage(testSource(), TypeControlResponse, ControlResponsePayload{Success: true})
	if err := Validate(msg); err == nil || !strings.Contains(err.Error(), "missing correlation_id") {
		t.Errorf("expected missing correlation_id, got %v", err)
	}
}

func TestValidateTelemetry(t *testing.T) {
	tests := []struct {
		name    string
		payload UnitTelemetryPayload
		wantErr string
	}{
		{"short block", UnitTelemetryPayload{Unit: 1, Registers: make([]int, 8)}, "expected 16"},
		{"zero unit", UnitTelemetryPayload{Unit: 0, Registers: make([]int, 16)}, "invalid unit"},
		{"negative value", UnitTelemetryPayload{Unit: 1, Registers: append([]int{-1}, make([]int, 15)...)}, "out of range"},
		{"too large", UnitTelemetryPayload{Unit: 1, Registers: append([]int{70000}, make([]int, 15)...)}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, _ := NewMessage(testSource(), TypeUnitTelemetry, tt.payload)
			err := Validate(msg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}
