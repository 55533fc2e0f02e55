// Package protocol defines the JSON messages the simulator exchanges over
// Redis: per-unit telemetry, control events, heartbeats and remote control
// requests with their responses.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants.
const (
	TypeUnitTelemetry    = "unit.telemetry"
	TypeControlEvent     = "control.event"
	TypeServiceHeartbeat = "service.heartbeat"
	TypeControlRequest   = "control.request"
	TypeControlResponse  = "control.response"
)

// ValidMessageTypes lists all valid message types.
var ValidMessageTypes = []string{
	TypeUnitTelemetry,
	TypeControlEvent,
	TypeServiceHeartbeat,
	TypeControlRequest,
	TypeControlResponse,
}

// SchemaVersion is the current protocol version.
const SchemaVersion = "v1.0.0"

// Message is the top-level protocol message containing an envelope and payload.
type Message struct {
	Envelope Envelope        `json:"envelope"`
	Payload  json.RawMessage `json:"payload"`
}

// Envelope contains message metadata and routing information.
type Envelope struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	Source        Source `json:"source"`
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// Source identifies who sent a message.
type Source struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// Error is a standard error object used in response payloads.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnitTelemetryPayload is one unit's state as published every print interval.
type UnitTelemetryPayload struct {
	Unit      int       `json:"unit"`
	Paused    bool      `json:"paused"`
	Registers []int     `json:"registers"`
	Scaled    []float64 `json:"scaled"`
	Disabled  []int     `json:"disabled"`
}

// ControlEventPayload mirrors one successful control-plane mutation.
type ControlEventPayload struct {
	Operation string          `json:"operation"`
	Unit      int             `json:"unit,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// HeartbeatPayload announces a running simulator instance.
type HeartbeatPayload struct {
	Status         string  `json:"status"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	Units          []int   `json:"units"`
	UpdateInterval float64 `json:"update_interval_ms"`
	ActiveSpikes   int     `json:"active_spikes"`
	ModbusAddr     string  `json:"modbus_addr,omitempty"`
	Version        string  `json:"version"`
}

// ControlRequestPayload asks a simulator to run one control operation. Only
// the fields the operation needs are read.
type ControlRequestPayload struct {
	Operation   string    `json:"operation"`
	Unit        int       `json:"unit,omitempty"`
	Index       *int      `json:"index,omitempty"`
	Values      []int     `json:"values,omitempty"`
	Paused      *bool     `json:"paused,omitempty"`
	Amplitudes  []int     `json:"amplitudes,omitempty"`
	Periods     []float64 `json:"periods,omitempty"`
	JitterScale *float64  `json:"jitter_scale,omitempty"`
	Magnitude   *int      `json:"magnitude,omitempty"`
	DurationMs  int       `json:"duration_ms,omitempty"`
	Kind        string    `json:"kind,omitempty"`
}

// ControlResponsePayload answers a ControlRequestPayload.
type ControlResponsePayload struct {
	Operation string          `json:"operation"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// NewEnvelope creates a new envelope with a generated UUIDv4 and current UTC timestamp.
func NewEnvelope(source Source, msgType string) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC().Unix(),
		Source:        source,
		SchemaVersion: SchemaVersion,
		Type:          msgType,
	}
}

// NewMessage builds a complete message with envelope and marshaled payload.
func NewMessage(source Source, msgType string, payload interface{}) (*Message, error) {
	env := NewEnvelope(source, msgType)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Message{
		Envelope: env,
		Payload:  json.RawMessage(payloadBytes),
	}, nil
}

// NewResponse builds a control.response correlated with req.
func NewResponse(source Source, req *Message, payload ControlResponsePayload) (*Message, error) {
	msg, err := NewMessage(source, TypeControlResponse, payload)
	if err != nil {
		return nil, err
	}
	msg.Envelope.CorrelationID = req.Envelope.CorrelationID
	return msg, nil
}

// Parse unmarshals JSON bytes into a Message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// ParseTelemetry extracts a UnitTelemetryPayload from a Message.
func ParseTelemetry(msg *Message) (*UnitTelemetryPayload, error) {
	var p UnitTelemetryPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse telemetry payload: %w", err)
	}
	return &p, nil
}

// ParseControlEvent extracts a ControlEventPayload from a Message.
func ParseControlEvent(msg *Message) (*ControlEventPayload, error) {
	var p ControlEventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse control event payload: %w", err)
	}
	return &p, nil
}

// ParseHeartbeat extracts a HeartbeatPayload from a Message.
func ParseHeartbeat(msg *Message) (*HeartbeatPayload, error) {
	var p HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse heartbeat payload: %w", err)
	}
	return &p, nil
}

// ParseControlRequest extracts a ControlRequestPayload from a Message.
func ParseControlRequest(msg *Message) (*ControlRequestPayload, error) {
	var p ControlRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse control request payload: %w", err)
	}
	return &p, nil
}

// ParseControlResponse extracts a ControlResponsePayload from a Message.
func ParseControlResponse(msg *Message) (*ControlResponsePayload, error) {
	var p ControlResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse control response payload: %w", err)
	}
	return &p, nil
}
