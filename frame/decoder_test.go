package frame

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/sensormodel"
)

func envelopeFor(text string) []byte {
	b, _ := json.Marshal(map[string]any{"data": base64.StdEncoding.EncodeToString([]byte(text))})
	return b
}

func TestDecode_EndToEndExample(t *testing.T) {
	f, err := Decode(envelopeFor("S1|D1|3.7|1700000000|PHY1,100,21.5,55.2"))
	require.NoError(t, err)

	assert.Equal(t, "S1", f.StationID)
	assert.Equal(t, "D1", f.DeviceID)
	assert.Equal(t, int64(1700000000000), f.Timestamp)
	assert.Equal(t, "2023-11-14T22:13:20.000Z", f.TimestampISO())
	require.NotNil(t, f.Voltage)
	assert.Equal(t, 3.7, *f.Voltage)
	assert.Equal(t, []Reading{
		{SensorID: "PHY1_T", SensorType: sensormodel.TypeTemperature, Value: 21.5},
		{SensorID: "PHY1_H", SensorType: sensormodel.TypeHumidity, Value: 55.2},
	}, f.Readings)
	assert.Empty(t, f.Diagnostics)
}

func TestDecode_FrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		kind    *DecodeError
	}{
		{"not json", []byte("S1|D1"), ErrInvalidEnvelope},
		{"json array", []byte(`[1,2]`), ErrInvalidEnvelope},
		{"missing data", []byte(`{"fCnt":3}`), ErrInvalidEnvelope},
		{"data not string", []byte(`{"data":42}`), ErrInvalidEnvelope},
		{"bad base64", []byte(`{"data":"!!!not-base64!!!"}`), ErrInvalidEncoding},
		{"not utf8", []byte(`{"data":"` + base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x7c}) + `"}`), ErrInvalidEncoding},
		{"three fields", envelopeFor("S1|D1|3.7"), ErrTooFewFields},
		{"empty text", envelopeFor(""), ErrTooFewFields},
		{"timestamp text", envelopeFor("S1|D1|3.7|yesterday|PHY1,100,1,2"), ErrInvalidTimestamp},
		{"timestamp empty", envelopeFor("S1|D1|3.7||PHY1,100,1,2"), ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.payload)
			require.Error(t, err)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, tt.kind)
			assert.True(t, errors.IsInvalid(err))

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.kind.Kind, de.Kind)
		})
	}
}

func TestDecode_KindsDoNotCrossMatch(t *testing.T) {
	_, err := Decode(envelopeFor("S1|D1"))
	assert.ErrorIs(t, err, ErrTooFewFields)
	assert.NotErrorIs(t, err, ErrInvalidTimestamp)
}

func TestDecode_VoltageOptional(t *testing.T) {
	for _, v := range []string{"", "abc", "nan", "NaN", "inf"} {
		f, err := Decode(envelopeFor("S1|D1|" + v + "|1700000000"))
		require.NoError(t, err, "voltage %q", v)
		assert.Nil(t, f.Voltage, "voltage %q", v)
		assert.Empty(t, f.Readings)
	}
}

func TestDecode_NanIsSilent(t *testing.T) {
	for _, nan := range []string{"nan", "NAN", "NaN", "nAn"} {
		f, err := Decode(envelopeFor("S1|D1|3.7|1700000000|PHY1,100," + nan + ",55.2"))
		require.NoError(t, err)
		assert.Equal(t, []Reading{{SensorID: "PHY1_H", SensorType: "HUM", Value: 55.2}}, f.Readings)
		assert.Empty(t, f.Diagnostics, "nan value %q must not be diagnosed", nan)
	}
}

func TestDecode_UnknownModelSkipsOnlyThatChannel(t *testing.T) {
	f, err := Decode(envelopeFor("S1|D1|3.7|1700000000|PHY2,999,10.0|PHY3,4,19.25"))
	require.NoError(t, err)

	assert.Equal(t, []Reading{{SensorID: "PHY3", SensorType: "TEMP", Value: 19.25}}, f.Readings)
	require.Len(t, f.Diagnostics, 1)
	assert.Equal(t, ReasonUnknownModel, f.Diagnostics[0].Reason)
	assert.Equal(t, "PHY2", f.Diagnostics[0].SensorID)
	assert.Equal(t, 0, f.Diagnostics[0].Channel)
}

func TestDecode_ChannelDiagnostics(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		reason   Reason
		readings int
	}{
		{"too few fields", "PHY1,100", ReasonMalformedChannel, 0},
		{"empty id", ",4,20", ReasonEmptySensorID, 0},
		{"model not numeric", "PHY1,abc,20", ReasonInvalidModel, 0},
		{"missing second value", "PHY1,100,21.5", ReasonMissingValue, 1},
		{"malformed value", "PHY1,100,warm,55", ReasonMalformedValue, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(envelopeFor("S1|D1|3.7|1700000000|" + tt.channel))
			require.NoError(t, err)
			assert.Len(t, f.Readings, tt.readings)
			require.Len(t, f.Diagnostics, 1)
			assert.Equal(t, tt.reason, f.Diagnostics[0].Reason)
			assert.NotEmpty(t, f.Diagnostics[0].String())
		})
	}
}

func TestDecode_ChannelOrderPreserved(t *testing.T) {
	f, err := Decode(envelopeFor("ST|DV|4.1|1700000000|A,110,60,22.5,1013,800|B,102,415,23,50"))
	require.NoError(t, err)

	ids := make([]string, 0, len(f.Readings))
	for _, r := range f.Readings {
		ids = append(ids, r.SensorID)
	}
	assert.Equal(t, []string{"A_H", "A_T", "A_P", "A_L", "B_CO2", "B_T", "B_H"}, ids)
}

func TestDecode_UplinkMetadata(t *testing.T) {
	payload := []byte(`{"deviceInfo":{"devEui":"0102030405060708","deviceName":"st-01"},"fCnt":12,"fPort":2,"data":"` +
		base64.StdEncoding.EncodeToString([]byte("S1|D1|3.7|1700000000")) + `"}`)

	f, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, Uplink{DevEUI: "0102030405060708", DeviceName: "st-01", FCnt: 12, FPort: 2}, f.Uplink)
}

func TestDecode_MalformedUplinkMetadataIgnored(t *testing.T) {
	data := `"data":"` + base64.StdEncoding.EncodeToString([]byte("S1|D1|3.7|1700000000|PHY1,100,21.5,55.2")) + `"`

	tests := []struct {
		name    string
		payload string
		want    Uplink
	}{
		{"fCnt as string", `{` + data + `,"fCnt":"7","fPort":2}`, Uplink{FPort: 2}},
		{"fPort as float", `{` + data + `,"fCnt":7,"fPort":1.5}`, Uplink{FCnt: 7}},
		{"deviceInfo as string", `{` + data + `,"deviceInfo":"x","fCnt":7}`, Uplink{FCnt: 7}},
		{"devEui as number", `{` + data + `,"deviceInfo":{"devEui":42,"deviceName":"st-01"}}`, Uplink{DeviceName: "st-01"}},
		{"null metadata", `{` + data + `,"deviceInfo":null,"fCnt":null}`, Uplink{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, "S1", f.StationID)
			assert.Len(t, f.Readings, 2)
			assert.Equal(t, tt.want, f.Uplink)
		})
	}
}

func TestDecode_DataMustBeString(t *testing.T) {
	_, err := Decode([]byte(`{"data":42}`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, InvalidEnvelope, de.Kind)
}

func TestDecode_UnpaddedBase64(t *testing.T) {
	data := base64.RawStdEncoding.EncodeToString([]byte("S1|D1|3.7|1700000000|P,0,1"))
	f, err := Decode([]byte(`{"data":"` + data + `"}`))
	require.NoError(t, err)
	assert.Len(t, f.Readings, 1)
}

func TestDecode_CustomLookup(t *testing.T) {
	d := NewDecoderWithLookup(func(enum int) (sensormodel.Model, bool) {
		if enum != 7 {
			return sensormodel.Model{}, false
		}
		return sensormodel.Model{Enum: 7, Name: "X", Channels: []sensormodel.Channel{{SensorType: "GAS", Suffix: "_X", Offset: 1}}}, true
	})

	f, err := d.DecodeText("S|D||1|P,7,1,2")
	require.NoError(t, err)
	assert.Equal(t, []Reading{{SensorID: "P_X", SensorType: "GAS", Value: 2}}, f.Readings)
}

func TestFrame_EncodeRoundTrip(t *testing.T) {
	texts := []string{
		"S1|D1|3.7|1700000000|PHY1,100,21.5,55.2",
		"station-9|dev 2||0",
		"A|B|12|1|x,1,2|y,999,1",
	}

	for _, text := range texts {
		f, err := NewDecoder().DecodeText(text)
		require.NoError(t, err)

		back, err := NewDecoder().DecodeText(f.Encode())
		require.NoError(t, err)
		assert.Equal(t, f.StationID, back.StationID)
		assert.Equal(t, f.DeviceID, back.DeviceID)
		assert.Equal(t, f.Timestamp, back.Timestamp)
		assert.Equal(t, f.Voltage, back.Voltage)
	}
}
