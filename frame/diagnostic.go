package frame

import "fmt"

// Reason explains why a channel or sub-reading was skipped.
type Reason string

// Skip reasons.
const (
	ReasonMalformedChannel Reason = "malformed_channel"
	ReasonEmptySensorID    Reason = "empty_sensor_id"
	ReasonInvalidModel     Reason = "invalid_model_enum"
	ReasonUnknownModel     Reason = "unknown_model"
	ReasonMissingValue     Reason = "missing_value"
	ReasonMalformedValue   Reason = "malformed_value"
)

// Diagnostic records one skipped channel or sub-reading.
type Diagnostic struct {
	Channel  int    `json:"channel"`
	Raw      string `json:"raw"`
	SensorID string `json:"sensor_id,omitempty"`
	Reason   Reason `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("channel %d (%q): %s", d.Channel, d.Raw, d.Reason)
	if d.SensorID != "" {
		s += " sensor=" + d.SensorID
	}
	if d.Detail != "" {
		s += ": " + d.Detail
	}
	return s
}
