// Package store defines the backing-store contract used by the ingestion
// path and the row shapes of its six collections.
package store

import (
	"context"
	"fmt"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// Collection names.
const (
	TableStations        = "stations"
	TableDevices         = "devices"
	TableSensorTypes     = "sensor_types"
	TableSensors         = "sensors"
	TableReadings        = "readings"
	TableVoltageReadings = "voltage_readings"
)

// Columns lists the columns written to each collection, in insert order.
var Columns = map[string][]string{
	TableStations:        {"id", "name", "is_active"},
	TableDevices:         {"id", "station_id", "is_active"},
	TableSensorTypes:     {"id", "name"},
	TableSensors:         {"id", "name", "sensor_type_id", "station_id", "is_active"},
	TableReadings:        {"sensor_id", "value", "timestamp"},
	TableVoltageReadings: {"device_id", "voltage_value", "timestamp"},
}

// ReferenceTables are keyed by "id" and written with insert-if-absent semantics.
var ReferenceTables = []string{TableStations, TableDevices, TableSensorTypes, TableSensors}

// Row is one record keyed by column name.
type Row map[string]any

// Store is the backing store. Implementations must be safe for concurrent use.
type Store interface {
	// Upsert inserts rows whose id is not present and ignores the rest.
	Upsert(ctx context.Context, table string, rows []Row) error
	// Insert appends rows.
	Insert(ctx context.Context, table string, rows []Row) error
	// SelectIDs returns every id of a reference collection.
	SelectIDs(ctx context.Context, table string) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases connections.
	Close() error
}

// IsReferenceTable reports whether table is keyed by id.
func IsReferenceTable(table string) bool {
	for _, t := range ReferenceTables {
		if t == table {
			return true
		}
	}
	return false
}

// ValidateTable rejects unknown collection names.
func ValidateTable(table string) error {
	if _, ok := Columns[table]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownTable, table), "store", "ValidateTable", "check table")
	}
	return nil
}

// ValidateRows checks that every row carries exactly the collection's columns.
func ValidateRows(table string, rows []Row) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	cols := Columns[table]
	for i, r := range rows {
		if len(r) != len(cols) {
			return errors.WrapInvalid(fmt.Errorf("%w: row %d of %s has %d columns, want %d",
				errors.ErrInvalidData, i, table, len(r), len(cols)), "store", "ValidateRows", "check row")
		}
		for _, c := range cols {
			if _, ok := r[c]; !ok {
				return errors.WrapInvalid(fmt.Errorf("%w: row %d of %s lacks column %s",
					errors.ErrInvalidData, i, table, c), "store", "ValidateRows", "check row")
			}
		}
	}
	return nil
}
