package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

func TestDefaultRows(t *testing.T) {
	assert.Equal(t, Row{"id": "S1", "name": "Estación S1", "is_active": true}, NewStation("S1").Row())
	assert.Equal(t, Row{"id": "D1", "station_id": "S1", "is_active": true}, NewDevice("D1", "S1").Row())
	assert.Equal(t, Row{"id": "TEMP", "name": "TEMP"}, NewSensorType("TEMP").Row())
	assert.Equal(t, Row{
		"id": "PHY1_T", "name": "", "sensor_type_id": "TEMP", "station_id": "S1", "is_active": true,
	}, NewSensor("PHY1_T", "TEMP", "S1").Row())
}

func TestRowsMatchColumns(t *testing.T) {
	cases := map[string]Row{
		TableStations:        NewStation("S").Row(),
		TableDevices:         NewDevice("D", "S").Row(),
		TableSensorTypes:     NewSensorType("HUM").Row(),
		TableSensors:         NewSensor("X", "HUM", "S").Row(),
		TableReadings:        Reading{SensorID: "X", Value: 1, Timestamp: "t"}.Row(),
		TableVoltageReadings: VoltageReading{DeviceID: "D", VoltageValue: 3.3, Timestamp: "t"}.Row(),
	}
	for table, row := range cases {
		assert.NoError(t, ValidateRows(table, []Row{row}), table)
	}
}

func TestValidateRows_Rejects(t *testing.T) {
	err := ValidateTable("users")
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrUnknownTable)

	err = ValidateRows(TableReadings, []Row{{"sensor_id": "X", "value": 1}})
	assert.True(t, errors.IsInvalid(err))

	err = ValidateRows(TableReadings, []Row{{"sensor_id": "X", "value": 1, "ts": "t"}})
	assert.True(t, errors.IsInvalid(err))
}

func TestRowsGeneric(t *testing.T) {
	rows := Rows([]Reading{{SensorID: "A", Value: 1, Timestamp: "t"}, {SensorID: "B", Value: 2, Timestamp: "t"}})
	assert.Len(t, rows, 2)
	assert.Equal(t, "B", rows[1]["sensor_id"])
	assert.True(t, IsReferenceTable(TableSensors))
	assert.False(t, IsReferenceTable(TableReadings))
}
