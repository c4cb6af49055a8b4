package store

// StationNamePrefix prefixes the display name of auto-created stations.
const StationNamePrefix = "Estación "

// Station is a field site.
type Station struct {
	ID       string
	Name     string
	IsActive bool
}

// NewStation returns the default row for an auto-created station.
func NewStation(id string) Station {
	return Station{ID: id, Name: StationNamePrefix + id, IsActive: true}
}

// Row converts to a stations row.
func (s Station) Row() Row {
	return Row{"id": s.ID, "name": s.Name, "is_active": s.IsActive}
}

// Device is a field unit belonging to a station.
type Device struct {
	ID        string
	StationID string
	IsActive  bool
}

// NewDevice returns the default row for an auto-created device.
func NewDevice(id, stationID string) Device {
	return Device{ID: id, StationID: stationID, IsActive: true}
}

// Row converts to a devices row.
func (d Device) Row() Row {
	return Row{"id": d.ID, "station_id": d.StationID, "is_active": d.IsActive}
}

// SensorType is a measured quantity; its code doubles as display name.
type SensorType struct {
	ID   string
	Name string
}

// NewSensorType returns the default row for an auto-created sensor type.
func NewSensorType(code string) SensorType {
	return SensorType{ID: code, Name: code}
}

// Row converts to a sensor_types row.
func (t SensorType) Row() Row {
	return Row{"id": t.ID, "name": t.Name}
}

// Sensor is a logical sensor.
type Sensor struct {
	ID           string
	Name         string
	SensorTypeID string
	StationID    string
	IsActive     bool
}

// NewSensor returns the default row for an auto-created sensor.
func NewSensor(id, sensorTypeID, stationID string) Sensor {
	return Sensor{ID: id, SensorTypeID: sensorTypeID, StationID: stationID, IsActive: true}
}

// Row converts to a sensors row.
func (s Sensor) Row() Row {
	return Row{
		"id":             s.ID,
		"name":           s.Name,
		"sensor_type_id": s.SensorTypeID,
		"station_id":     s.StationID,
		"is_active":      s.IsActive,
	}
}

// Reading is one measured value.
type Reading struct {
	SensorID  string  `json:"sensor_id"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// Row converts to a readings row.
func (r Reading) Row() Row {
	return Row{"sensor_id": r.SensorID, "value": r.Value, "timestamp": r.Timestamp}
}

// VoltageReading is a device supply voltage sample.
type VoltageReading struct {
	DeviceID     string  `json:"device_id"`
	VoltageValue float64 `json:"voltage_value"`
	Timestamp    string  `json:"timestamp"`
}

// Row converts to a voltage_readings row.
func (v VoltageReading) Row() Row {
	return Row{"device_id": v.DeviceID, "voltage_value": v.VoltageValue, "timestamp": v.Timestamp}
}

// Rower is implemented by every row type.
type Rower interface {
	Row() Row
}

// Rows converts a slice of typed rows.
func Rows[T Rower](items []T) []Row {
	out := make([]Row, len(items))
	for i, it := range items {
		out[i] = it.Row()
	}
	return out
}
