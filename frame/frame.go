// Package frame decodes the compact uplink payload sent by field devices.
//
// A message is a JSON envelope whose data field is base64 text of the form
//
//	stationId|deviceId|voltage|epochSeconds|channel|channel|...
//
// and every channel is sensorId,modelEnum,value[,value...]. Envelope,
// encoding, field-count and timestamp problems reject the whole message.
// Problems inside a channel only drop that channel or sub-reading and are
// reported as Diagnostics.
package frame

import (
	"strconv"
	"strings"

	"github.com/viefmoon/chirpstack-agricos/pkg/timestamp"
)

// Reading is one decoded sub-reading addressed by its derived sensor id.
type Reading struct {
	SensorID   string  `json:"sensor_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
}

// Uplink carries optional network-server metadata from the envelope. It is
// used for log correlation only.
type Uplink struct {
	DevEUI     string `json:"dev_eui,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	FCnt       uint32 `json:"f_cnt,omitempty"`
	FPort      int    `json:"f_port,omitempty"`
}

// Frame is one decoded telemetry message.
type Frame struct {
	StationID   string       `json:"station_id"`
	DeviceID    string       `json:"device_id"`
	Timestamp   int64        `json:"timestamp_ms"`
	Voltage     *float64     `json:"voltage,omitempty"`
	Readings    []Reading    `json:"readings"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Uplink      Uplink       `json:"uplink"`
}

// TimestampISO returns the frame time in the stored ISO-8601 form.
func (f *Frame) TimestampISO() string {
	return timestamp.Format(f.Timestamp)
}

// Encode renders the structural fields back into wire form
// (station|device|voltage|seconds). Channels are not re-encoded.
func (f *Frame) Encode() string {
	voltage := ""
	if f.Voltage != nil {
		voltage = strconv.FormatFloat(*f.Voltage, 'f', -1, 64)
	}
	return strings.Join([]string{
		f.StationID,
		f.DeviceID,
		voltage,
		strconv.FormatInt(timestamp.ToSeconds(f.Timestamp), 10),
	}, "|")
}
