package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	uuidV4Pattern   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	servicePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	instancePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionPattern  = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
	replyToPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_:/-]*$`)
)

var validTypes = func() map[string]bool {
	m := make(map[string]bool, len(ValidMessageTypes))
	for _, t := range ValidMessageTypes {
		m[t] = true
	}
	return m
}()

// Control operations accepted in a control.request.
const (
	OpStatus    = "status"
	OpRegisters = "registers"
	OpDisable   = "disable"
	OpEnable    = "enable"
	OpBase      = "base"
	OpPause     = "pause"
	OpPauseUnit = "pause_unit"
	OpParams    = "params"
	OpSpike     = "spike"
)

const (
	registerBlock   = 16
	maxRegisterWord = 65535
)

var validOperations = map[string]bool{
	OpStatus: true, OpRegisters: true, OpDisable: true, OpEnable: true,
	OpBase: true, OpPause: true, OpPauseUnit: true, OpParams: true, OpSpike: true,
}

// unitOperations need a unit id.
var unitOperations = map[string]bool{
	OpRegisters: true, OpDisable: true, OpEnable: true, OpBase: true,
	OpPauseUnit: true, OpParams: true, OpSpike: true,
}

// signalOperations need a signal index.
var signalOperations = map[string]bool{
	OpDisable: true, OpEnable: true, OpSpike: true,
}

// Validate checks a Message's envelope and, for the types that carry rules,
// its payload.
func Validate(msg *Message) error {
	env := msg.Envelope

	if !uuidV4Pattern.MatchString(env.ID) {
		return fmt.Errorf("invalid id: must be UUIDv4 format, got %q", env.ID)
	}
	if env.Timestamp < 0 {
		return fmt.Errorf("invalid timestamp: must be >= 0, got %d", env.Timestamp)
	}
	if err := validateSource(env.Source); err != nil {
		return err
	}
	if env.SchemaVersion != SchemaVersion {
		return fmt.Errorf("invalid schema_version: must be %q, got %q", SchemaVersion, env.SchemaVersion)
	}
	if !validTypes[env.Type] {
		return fmt.Errorf("invalid type: %q is not a valid message type", env.Type)
	}
	if env.CorrelationID != "" && !uuidV4Pattern.MatchString(env.CorrelationID) {
		return fmt.Errorf("invalid correlation_id: must be UUIDv4 format, got %q", env.CorrelationID)
	}
	if env.ReplyTo != "" && !replyToPattern.MatchString(env.ReplyTo) {
		return fmt.Errorf("invalid reply_to: must match pattern %q, got %q", replyToPattern.String(), env.ReplyTo)
	}

	switch env.Type {
	case TypeControlRequest:
		if env.CorrelationID == "" {
			return fmt.Errorf("missing correlation_id: required for type %q", env.Type)
		}
		if env.ReplyTo == "" {
			return fmt.Errorf("missing reply_to: required for type %q", env.Type)
		}
		var p ControlRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		return validateControlRequest(&p)

	case TypeControlResponse:
		if env.CorrelationID == "" {
			return fmt.Errorf("missing correlation_id: required for type %q", env.Type)
		}

	case TypeUnitTelemetry:
		var p UnitTelemetryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		return validateTelemetry(&p)
	}
	return nil
}

func validateSource(src Source) error {
	if src.Service == "" || len(src.Service) > 64 || !servicePattern.MatchString(src.Service) {
		return fmt.Errorf("invalid source.service: must match pattern %q (1-64 chars), got %q", servicePattern.String(), src.Service)
	}
	if src.Instance == "" || len(src.Instance) > 64 || !instancePattern.MatchString(src.Instance) {
		return fmt.Errorf("invalid source.instance: must match pattern %q (1-64 chars), got %q", instancePattern.String(), src.Instance)
	}
	if !versionPattern.MatchString(src.Version) {
		return fmt.Errorf("invalid source.version: must be semver format, got %q", src.Version)
	}
	return nil
}

func validateControlRequest(p *ControlRequestPayload) error {
	if !validOperations[p.Operation] {
		return fmt.Errorf("invalid operation: %q", p.Operation)
	}
	if unitOperations[p.Operation] && p.Unit <= 0 {
		return fmt.Errorf("missing unit: required for operation %q", p.Operation)
	}
	if signalOperations[p.Operation] && p.Index == nil {
		return fmt.Errorf("missing index: required for operation %q", p.Operation)
	}
	if p.Operation == OpSpike && p.Magnitude == nil {
		return fmt.Errorf("missing magnitude: required for operation %q", p.Operation)
	}
	return nil
}

func validateTelemetry(p *UnitTelemetryPayload) error {
	if p.Unit <= 0 {
		return fmt.Errorf("invalid unit: must be positive, got %d", p.Unit)
	}
	if len(p.Registers) != registerBlock {
		return fmt.Errorf("invalid registers: expected %d values, got %d", registerBlock, len(p.Registers))
	}
	for i, v := range p.Registers {
		if v < 0 || v > maxRegisterWord {
			return fmt.Errorf("invalid registers: slot %d value %d out of range", i, v)
		}
	}
	return nil
}
