// Package sensormodel is the static table of supported sensor hardware
// models. A model enum reported by a device selects the model's channel
// layout: which sensor types it measures, which value position holds each
// one and which suffix distinguishes the derived logical sensors.
package sensormodel

import (
	"sort"
)

// Sensor type codes. They are also the primary keys of the sensor_types
// collection.
const (
	TypeTemperature  = "TEMP"
	TypeHumidity     = "HUM"
	TypePH           = "PH"
	TypeConductivity = "COND"
	TypeSoilHumidity = "SOILH"
	TypeCO2          = "CO2"
	TypeLight        = "LUX"
	TypePressure     = "PRES"
	TypeGas          = "GAS"
)

// Channel describes one measured quantity of a model.
type Channel struct {
	SensorType string // sensor type code, e.g. TEMP
	Suffix     string // appended to the physical id; empty keeps it unchanged
	Offset     int    // zero-based position among the channel's values
}

// SensorID derives the logical sensor identifier for this channel.
func (c Channel) SensorID(physicalID string) string {
	return physicalID + c.Suffix
}

// Model is a registered hardware model.
type Model struct {
	Enum     int
	Name     string
	Channels []Channel
}

func single(sensorType string) []Channel {
	return []Channel{{SensorType: sensorType}}
}

var models = map[int]Model{
	0: {Enum: 0, Name: "N100K", Channels: single(TypeTemperature)},
	1: {Enum: 1, Name: "N10K", Channels: single(TypeTemperature)},
	2: {Enum: 2, Name: "HDS10", Channels: single(TypeHumidity)},
	3: {Enum: 3, Name: "RTD", Channels: single(TypeTemperature)},
	4: {Enum: 4, Name: "DS18B20", Channels: single(TypeTemperature)},
	5: {Enum: 5, Name: "PH", Channels: single(TypePH)},
	6: {Enum: 6, Name: "COND", Channels: single(TypeConductivity)},
	7: {Enum: 7, Name: "SOILH", Channels: single(TypeSoilHumidity)},
	8: {Enum: 8, Name: "VEML7700", Channels: single(TypeLight)},

	100: {Enum: 100, Name: "SHT30", Channels: []Channel{
		{TypeTemperature, "_T", 0},
		{TypeHumidity, "_H", 1},
	}},
	101: {Enum: 101, Name: "BME680", Channels: []Channel{
		{TypeTemperature, "_T", 0},
		{TypeHumidity, "_H", 1},
		{TypePressure, "_P", 2},
		{TypeGas, "_G", 3},
	}},
	102: {Enum: 102, Name: "CO2", Channels: []Channel{
		{TypeCO2, "_CO2", 0},
		{TypeTemperature, "_T", 1},
		{TypeHumidity, "_H", 2},
	}},
	103: {Enum: 103, Name: "BME280", Channels: []Channel{
		{TypeTemperature, "_T", 0},
		{TypeHumidity, "_H", 1},
		{TypePressure, "_P", 2},
	}},
	104: {Enum: 104, Name: "SHT40", Channels: []Channel{
		{TypeTemperature, "_T", 0},
		{TypeHumidity, "_H", 1},
	}},
	110: {Enum: 110, Name: "ENV4", Channels: []Channel{
		{TypeHumidity, "_H", 0},
		{TypeTemperature, "_T", 1},
		{TypePressure, "_P", 2},
		{TypeLight, "_L", 3},
	}},
}

// Lookup returns the model registered for enum. Unknown enums report false.
// The returned Channels slice must not be modified.
func Lookup(enum int) (Model, bool) {
	m, ok := models[enum]
	return m, ok
}

// Models returns every registered model ordered by enum.
func Models() []Model {
	out := make([]Model, 0, len(models))
	for _, m := range models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Enum < out[j].Enum })
	return out
}

// SensorTypes returns the distinct sensor type codes used by any model,
// sorted.
func SensorTypes() []string {
	seen := make(map[string]struct{})
	for _, m := range models {
		for _, c := range m.Channels {
			seen[c.SensorType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MinValues is the number of values a channel of this model must carry to
// fill every registered sub-reading.
func (m Model) MinValues() int {
	n := 0
	for _, c := range m.Channels {
		if c.Offset+1 > n {
			n = c.Offset + 1
		}
	}
	return n
}
