package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParseError is the tagged error family returned by the parse functions.
type ParseError struct {
	Kind     string
	Expected int
	Actual   int
	Count    uint8
	Value    uint32
	Reason   string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case "WrongType":
		return fmt.Sprintf("not a %s packet", e.Reason)
	case "TooShort":
		return fmt.Sprintf("packet too short: expected at least %d bytes, got %d", e.Expected, e.Actual)
	case "SizeMismatch":
		return fmt.Sprintf("packet size mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
	case "InvalidBatteryCount":
		return fmt.Sprintf("invalid battery count: %d (must be 0-3)", e.Count)
	case "UnknownNoiseMode":
		return fmt.Sprintf("unknown noise control mode: 0x%02x", e.Value)
	case "InvalidFormat":
		return fmt.Sprintf("invalid packet format: %s", e.Reason)
	default:
		return "protocol parse error"
	}
}

func errWrongType(expected string) error {
	return &ParseError{Kind: "WrongType", Reason: expected}
}

func errTooShort(expected, actual int) error {
	return &ParseError{Kind: "TooShort", Expected: expected, Actual: actual}
}

func errSizeMismatch(expected, actual int) error {
	return &ParseError{Kind: "SizeMismatch", Expected: expected, Actual: actual}
}

func errInvalidBatteryCount(count uint8) error {
	return &ParseError{Kind: "InvalidBatteryCount", Count: count}
}

func errUnknownNoiseMode(mode uint32) error {
	return &ParseError{Kind: "UnknownNoiseMode", Value: mode}
}

// BuildControl builds a control-header frame: header, opcode, then the
// four-byte little-endian payload.
func BuildControl(opcode byte, data [4]byte) []byte {
	out := make([]byte, 0, len(HeaderCommandCtl)+1+4)
	out = append(out, HeaderCommandCtl...)
	out = append(out, opcode)
	out = append(out, data[:]...)
	return out
}

// Build encodes a feature command frame for the given feature id.
func (cmd FeatureCmd) Build(feature FeatureID) []byte {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], uint32(cmd))
	return BuildControl(byte(feature), data)
}

// ParseFeatureCmd parses a feature-command frame (also matches HeaderCommandCtl).
func ParseFeatureCmd(data []byte) (FeatureID, FeatureCmd, error) {
	rest, ok := bytes.CutPrefix(data, HeaderCommandCtl)
	if !ok {
		return 0, 0, errWrongType("feature command")
	}
	if len(rest) < 5 {
		return 0, 0, errTooShort(len(HeaderCommandCtl)+5, len(data))
	}
	feature := FeatureID(rest[0])
	u := binary.LittleEndian.Uint32(rest[1:5])
	switch u {
	case 0:
		return feature, FeatureQuery, nil
	case 1:
		return feature, FeatureEnable, nil
	case 2:
		return feature, FeatureDisable, nil
	default:
		return 0, 0, &ParseError{Kind: "InvalidFormat", Reason: "unknown feature command value"}
	}
}

// BatteryRecord is one component's freshly-parsed state.
type BatteryRecord struct {
	Component Component
	State     BatteryState
}

// WarnFunc receives a human-readable parse-time warning (unknown status
// codes, a Disconnected record carrying a non-zero level). Callers that
// don't care may pass nil.
type WarnFunc func(msg string)

// ParseBatteryStatus parses a battery-state frame into per-component
// records. Components reported Disconnected are omitted from the result
// (the caller must not let them overwrite a previously-known level, per
// the history invariant), but non-zero Disconnected levels are reported
// via warn for visibility.
func ParseBatteryStatus(data []byte, warn WarnFunc) ([]BatteryRecord, error) {
	if !bytes.HasPrefix(data, HeaderBatteryState) {
		return nil, errWrongType("battery status")
	}
	if len(data) < 7 {
		return nil, errTooShort(7, len(data))
	}

	count := data[6]
	if count > 3 {
		return nil, errInvalidBatteryCount(count)
	}
	expected := 7 + 5*int(count)
	if len(data) != expected {
		return nil, errSizeMismatch(expected, len(data))
	}

	records := make([]BatteryRecord, 0, count)
	for i := 0; i < int(count); i++ {
		offset := 7 + 5*i
		id := data[offset]
		level := data[offset+2]
		statusByte := data[offset+3]

		var component Component
		switch id {
		case 0x02:
			component = ComponentRight
		case 0x04:
			component = ComponentLeft
		case 0x08:
			component = ComponentCase
		default:
			component = ComponentHeadphone
		}

		status := BatteryStatus(statusByte)
		switch status {
		case StatusNormal, StatusCharging, StatusDischarging, StatusDisconnected:
		default:
			if warn != nil {
				warn(fmt.Sprintf("unknown battery status 0x%02x for %s, treating as normal", statusByte, component))
			}
			status = StatusNormal
		}

		if status == StatusDisconnected {
			if level != 0 && warn != nil {
				warn(fmt.Sprintf("disconnected %s reported non-zero level %d, ignoring", component, level))
			}
			continue
		}

		records = append(records, BatteryRecord{
			Component: component,
			State:     BatteryState{Level: level, Status: status},
		})
	}
	return records, nil
}

// ParseNoiseMode parses a noise-control frame. The dispatcher is expected
// to have already matched HeaderNoiseControl before calling this.
func ParseNoiseMode(data []byte) (NoiseControlMode, error) {
	if len(data) < 8 {
		return 0, errTooShort(8, len(data))
	}
	mode := uint32(data[7])
	switch NoiseControlMode(mode) {
	case NoiseOff, NoiseNC, NoiseTrans, NoiseAdapt:
		return NoiseControlMode(mode), nil
	default:
		return 0, errUnknownNoiseMode(mode)
	}
}

// ParseEarDetection parses an ear-detection frame.
func ParseEarDetection(data []byte) (EarDetectionStatus, error) {
	if !bytes.HasPrefix(data, HeaderEarDetection) {
		return EarDetectionStatus{}, errWrongType("ear detection")
	}
	if len(data) < 8 {
		return EarDetectionStatus{}, errTooShort(8, len(data))
	}
	leftOut := data[6] == 0x01
	rightOut := data[7] == 0x01
	return NewEarDetectionStatus(!leftOut, !rightOut), nil
}

// Metadata is the best-effort result of scanning a metadata frame for a
// printable device-name candidate.
type Metadata struct {
	NameCandidate string
	HasName       bool
}

// ParseMetadata parses a metadata frame, proposing a device name if one
// can be found.
func ParseMetadata(data []byte) (Metadata, error) {
	if !bytes.HasPrefix(data, HeaderMetadata) {
		return Metadata{}, errWrongType("metadata")
	}
	if len(data) < 20 {
		return Metadata{}, errTooShort(20, len(data))
	}

	payload := data[6:]
	for i := 0; i+1 < len(payload); i++ {
		end := i + 10
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[i:end]
		if !utf8.Valid(chunk) {
			continue
		}
		text := strings.TrimSpace(string(chunk))
		if len(text) > 2 && containsAlpha(text) {
			return Metadata{NameCandidate: text, HasName: true}, nil
		}
	}
	return Metadata{}, nil
}

func containsAlpha(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
