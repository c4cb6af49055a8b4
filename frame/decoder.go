package frame

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/viefmoon/chirpstack-agricos/pkg/timestamp"
	"github.com/viefmoon/chirpstack-agricos/sensormodel"
)

const (
	fieldSep   = "|"
	channelSep = ","
	minFields  = 4
	// id and model enum precede the values of a channel
	valueBase = 2
)

// ModelLookup resolves a model enum to its channel layout.
type ModelLookup func(enum int) (sensormodel.Model, bool)

// Decoder turns raw payloads into Frames. The zero value is not usable;
// create one with NewDecoder.
type Decoder struct {
	lookup ModelLookup
}

// NewDecoder returns a decoder backed by the built-in model registry.
func NewDecoder() *Decoder {
	return &Decoder{lookup: sensormodel.Lookup}
}

// NewDecoderWithLookup returns a decoder using a custom model table.
func NewDecoderWithLookup(lookup ModelLookup) *Decoder {
	if lookup == nil {
		lookup = sensormodel.Lookup
	}
	return &Decoder{lookup: lookup}
}

var defaultDecoder = NewDecoder()

// Decode decodes payload with the built-in model registry.
func Decode(payload []byte) (*Frame, error) {
	return defaultDecoder.Decode(payload)
}

type envelope struct {
	Data       *string         `json:"data"`
	FCnt       json.RawMessage `json:"fCnt"`
	FPort      json.RawMessage `json:"fPort"`
	DeviceInfo json.RawMessage `json:"deviceInfo"`
}

// uplink reads the ChirpStack metadata. It is for log correlation only, so
// fields with unexpected types are left zero instead of failing the frame.
func (e *envelope) uplink() Uplink {
	var u Uplink
	var info struct {
		DevEUI     json.RawMessage `json:"devEui"`
		DeviceName json.RawMessage `json:"deviceName"`
	}
	if len(e.DeviceInfo) > 0 && json.Unmarshal(e.DeviceInfo, &info) == nil {
		_ = json.Unmarshal(info.DevEUI, &u.DevEUI)
		_ = json.Unmarshal(info.DeviceName, &u.DeviceName)
	}
	if len(e.FCnt) > 0 {
		_ = json.Unmarshal(e.FCnt, &u.FCnt)
	}
	if len(e.FPort) > 0 {
		_ = json.Unmarshal(e.FPort, &u.FPort)
	}
	return u
}

// Decode parses a JSON envelope and its base64 frame text.
func (d *Decoder) Decode(payload []byte) (*Frame, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, newDecodeError(InvalidEnvelope, err, "parse json")
	}
	if env.Data == nil {
		return nil, newDecodeError(InvalidEnvelope, nil, "missing data field")
	}

	raw, err := decodeBase64(*env.Data)
	if err != nil {
		return nil, newDecodeError(InvalidEncoding, err, "decode base64")
	}
	if !utf8.Valid(raw) {
		return nil, newDecodeError(InvalidEncoding, nil, "data is not utf-8")
	}

	f, err := d.DecodeText(string(raw))
	if err != nil {
		return nil, err
	}
	f.Uplink = env.uplink()
	return f, nil
}

// DecodeText decodes the pipe-delimited frame text without an envelope.
func (d *Decoder) DecodeText(text string) (*Frame, error) {
	parts := strings.Split(text, fieldSep)
	if len(parts) < minFields {
		return nil, newDecodeError(TooFewFields, nil, "got %d fields, need %d", len(parts), minFields)
	}

	ts, err := timestamp.ParseSeconds(parts[3])
	if err != nil {
		return nil, newDecodeError(InvalidTimestamp, err, "timestamp %q", parts[3])
	}

	f := &Frame{
		StationID: parts[0],
		DeviceID:  parts[1],
		Timestamp: ts,
		Readings:  []Reading{},
	}

	// An unparseable voltage is omitted, not an error.
	if v, ok := parseValue(parts[2]); ok {
		f.Voltage = &v
	}

	for i, raw := range parts[minFields:] {
		d.decodeChannel(f, i, raw)
	}
	return f, nil
}

func (d *Decoder) decodeChannel(f *Frame, index int, raw string) {
	skip := func(sensorID string, reason Reason, detail string) {
		f.Diagnostics = append(f.Diagnostics, Diagnostic{
			Channel:  index,
			Raw:      raw,
			SensorID: sensorID,
			Reason:   reason,
			Detail:   detail,
		})
	}

	fields := strings.Split(raw, channelSep)
	if len(fields) < valueBase+1 {
		skip("", ReasonMalformedChannel, "need id, model and at least one value")
		return
	}

	physicalID := strings.TrimSpace(fields[0])
	if physicalID == "" {
		skip("", ReasonEmptySensorID, "")
		return
	}

	enum, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		skip(physicalID, ReasonInvalidModel, fields[1])
		return
	}

	model, ok := d.lookup(enum)
	if !ok {
		skip(physicalID, ReasonUnknownModel, strconv.Itoa(enum))
		return
	}

	for _, ch := range model.Channels {
		sensorID := ch.SensorID(physicalID)
		idx := ch.Offset + valueBase
		if idx >= len(fields) {
			skip(sensorID, ReasonMissingValue, "no value at position "+strconv.Itoa(ch.Offset))
			continue
		}

		rawValue := strings.TrimSpace(fields[idx])
		if strings.EqualFold(rawValue, "nan") {
			continue
		}
		value, ok := parseValue(rawValue)
		if !ok {
			skip(sensorID, ReasonMalformedValue, rawValue)
			continue
		}

		f.Readings = append(f.Readings, Reading{
			SensorID:   sensorID,
			SensorType: ch.SensorType,
			Value:      value,
		})
	}
}

// parseValue accepts finite decimal numbers only.
func parseValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeBase64 accepts standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range base64Encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
