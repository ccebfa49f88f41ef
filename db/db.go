// Package db defines the storage the daemon keeps across restarts: the CSC
// sensors that were configured and should be configured again on reconnect.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/lcx/btpm/bt"
)

var (
	// ErrRecordNotExist indicates that the requested record could not be found.
	ErrRecordNotExist = errors.New("RecordNotExistErr")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("db: store closed")
)

// Sensor is a remembered CSC sensor.
type Sensor struct {
	Address bt.Addr
	// Flags are the configure flags the sensor was last configured with.
	Flags uint32
	// SupportedLocations is the location bitmask read from the sensor, 0 when unknown.
	SupportedLocations uint32
	ConfiguredAt       time.Time
}

// SensorStore persists remembered sensors.
type SensorStore interface {
	// SaveSensor inserts s or replaces the record with the same address.
	SaveSensor(ctx context.Context, s Sensor) error
	// GetSensor returns ErrRecordNotExist for an unknown address.
	GetSensor(ctx context.Context, addr bt.Addr) (Sensor, error)
	// DeleteSensor removes the record. Deleting an unknown address is not an error.
	DeleteSensor(ctx context.Context, addr bt.Addr) error
	// ListSensors returns every record ordered by address.
	ListSensors(ctx context.Context) ([]Sensor, error)
}

// Database is a store built by a db plugin.
type Database interface {
	SensorStore
	// Open prepares the implementation using its configuration.
	Open(config any) error
	Close() error
	// FactoryName returns the factory identifier for the concrete implementation.
	FactoryName() string
}
