package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topics consumed from the bus. Payloads are JSON, produced by the sensors
// (see cmd/simulator for the publishing side).
const (
	TopicStatus      = "sensors/status"
	TopicMeasurement = "measurement/data"
)

// ValidationError is the discriminated rejection result of ParseMessage.
// It carries only the topic and offending field, never the payload body.
type ValidationError struct {
	Topic  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid message on topic %q: %s", e.Topic, e.Reason)
	}
	return fmt.Sprintf("invalid message on topic %q: field %q %s", e.Topic, e.Field, e.Reason)
}

// StatusReading is a validated sensors/status message.
type StatusReading struct {
	MAC       string
	Battery   float64
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// MeasurementReading is a validated measurement/data message.
type MeasurementReading struct {
	MAC       string
	Pressure  float64
	Timestamp time.Time
}

// Reading is the accepted result of ParseMessage. Exactly one of Status and
// Measurement is set, matching Topic. Warnings flag concerns that do not
// reject the message (e.g. battery outside [0,1]).
type Reading struct {
	Topic       string
	Status      *StatusReading
	Measurement *MeasurementReading
	Warnings    []string
}

// Wire shapes. Pointer fields so a missing key is distinguishable from a
// zero value.
type statusPayload struct {
	MAC       *string  `json:"mac"`
	Battery   *float64 `json:"battery"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp *string  `json:"timestamp"`
}

type measurementPayload struct {
	MAC       *string  `json:"mac"`
	Pressure  *float64 `json:"pressure"`
	Timestamp *string  `json:"timestamp"`
}

// ParseMessage validates a raw bus payload against the shape contract of its
// topic. It returns either a fully populated Reading or a *ValidationError;
// no other error type and no panic crosses this boundary. Unknown topics are
// rejected without inspecting the payload.
func ParseMessage(topic string, payload []byte) (*Reading, error) {
	switch topic {
	case TopicStatus:
		return parseStatus(payload)
	case TopicMeasurement:
		return parseMeasurement(payload)
	default:
		return nil, &ValidationError{Topic: topic, Reason: "unrecognized topic"}
	}
}

func parseStatus(payload []byte) (*Reading, error) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, unmarshalError(TopicStatus, err)
	}
	if p.MAC == nil || *p.MAC == "" {
		return nil, missing(TopicStatus, "mac")
	}
	if p.Battery == nil {
		return nil, missing(TopicStatus, "battery")
	}
	if p.Latitude == nil {
		return nil, missing(TopicStatus, "latitude")
	}
	if p.Longitude == nil {
		return nil, missing(TopicStatus, "longitude")
	}
	ts, err := parseTimestamp(TopicStatus, p.Timestamp)
	if err != nil {
		return nil, err
	}

	r := &Reading{
		Topic: TopicStatus,
		Status: &StatusReading{
			MAC:       *p.MAC,
			Battery:   *p.Battery,
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			Timestamp: ts,
		},
	}
	// Out-of-range battery passes with a warning; validation here is
	// schema-level, not semantic.
	if *p.Battery < 0 || *p.Battery > 1 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("battery %g outside expected range [0,1]", *p.Battery))
	}
	return r, nil
}

func parseMeasurement(payload []byte) (*Reading, error) {
	var p measurementPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, unmarshalError(TopicMeasurement, err)
	}
	if p.MAC == nil || *p.MAC == "" {
		return nil, missing(TopicMeasurement, "mac")
	}
	if p.Pressure == nil {
		return nil, missing(TopicMeasurement, "pressure")
	}
	ts, err := parseTimestamp(TopicMeasurement, p.Timestamp)
	if err != nil {
		return nil, err
	}

	return &Reading{
		Topic: TopicMeasurement,
		Measurement: &MeasurementReading{
			MAC:       *p.MAC,
			Pressure:  *p.Pressure,
			Timestamp: ts,
		},
	}, nil
}

// Sensors emit datetime.isoformat() style timestamps without a zone offset;
// RFC 3339 is accepted too.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(topic string, raw *string) (time.Time, error) {
	if raw == nil || *raw == "" {
		return time.Time{}, missing(topic, "timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, *raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, &ValidationError{Topic: topic, Field: "timestamp", Reason: "is not a parseable timestamp"}
}

func missing(topic, field string) *ValidationError {
	return &ValidationError{Topic: topic, Field: field, Reason: "is required"}
}

// unmarshalError maps a json decode failure to a ValidationError, naming the
// field when the decoder knows it (wrong-type errors do).
func unmarshalError(topic string, err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &ValidationError{Topic: topic, Field: typeErr.Field, Reason: "has the wrong type"}
	}
	return &ValidationError{Topic: topic, Reason: "is not valid JSON"}
}
