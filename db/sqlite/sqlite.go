// Package sqlite stores remembered sensors in an embedded SQLite file through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/db"
)

// Config contains the settings of one store.
type Config struct {
	Tag string `mapstructure:"tag"`
	// DSN is a file path or ":memory:".
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
}

func DefaultConfig() *Config {
	return &Config{DSN: "btpm.db", MaxOpenConns: 1}
}

// sensorRow is the table layout of db.Sensor.
type sensorRow struct {
	Address            string `gorm:"primaryKey;size:17"`
	Flags              uint32
	SupportedLocations uint32
	ConfiguredAt       time.Time
}

func (sensorRow) TableName() string {
	return "remembered_sensors"
}

func toRow(s db.Sensor) sensorRow {
	return sensorRow{
		Address:            s.Address.String(),
		Flags:              s.Flags,
		SupportedLocations: s.SupportedLocations,
		ConfiguredAt:       s.ConfiguredAt.UTC(),
	}
}

func (r *sensorRow) sensor() (db.Sensor, error) {
	addr, err := bt.ParseAddr(r.Address)
	if err != nil {
		return db.Sensor{}, err
	}
	return db.Sensor{
		Address:            addr,
		Flags:              r.Flags,
		SupportedLocations: r.SupportedLocations,
		ConfiguredAt:       r.ConfiguredAt,
	}, nil
}

var errDSNChanged = errors.New("sqlite: dsn changed")

// DB is a db.Database on SQLite.
type DB struct {
	dsn    string
	gdb    *gorm.DB
	closed atomic.Bool
}

var _ db.Database = (*DB)(nil)

// DBOpen creates and initialises a DB instance using the provided configuration.
func DBOpen(cfg *Config) (*DB, error) {
	d := &DB{}
	if err := d.Open(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) FactoryName() string {
	return "sqlite"
}

// Open opens the file and migrates the schema.
func (d *DB) Open(c any) error {
	cfg, ok := c.(*Config)
	if !ok {
		return errors.New("config type not sqlite.Config")
	}

	gdb, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return fmt.Errorf("failed to open sqlite, dsn: %s, err: %w", cfg.DSN, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := gdb.AutoMigrate(&sensorRow{}); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("failed to migrate sqlite, dsn: %s, err: %w", cfg.DSN, err)
	}
	d.dsn = cfg.DSN
	d.gdb = gdb
	return nil
}

func (d *DB) conn(ctx context.Context) (*gorm.DB, error) {
	if d.closed.Load() || d.gdb == nil {
		return nil, db.ErrClosed
	}
	return d.gdb.WithContext(ctx), nil
}

func (d *DB) SaveSensor(ctx context.Context, s db.Sensor) error {
	g, err := d.conn(ctx)
	if err != nil {
		return err
	}
	row := toRow(s)
	return g.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (d *DB) GetSensor(ctx context.Context, addr bt.Addr) (db.Sensor, error) {
	g, err := d.conn(ctx)
	if err != nil {
		return db.Sensor{}, err
	}
	var row sensorRow
	if err := g.Where("address = ?", addr.String()).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.Sensor{}, db.ErrRecordNotExist
		}
		return db.Sensor{}, err
	}
	return row.sensor()
}

func (d *DB) DeleteSensor(ctx context.Context, addr bt.Addr) error {
	g, err := d.conn(ctx)
	if err != nil {
		return err
	}
	return g.Where("address = ?", addr.String()).Delete(&sensorRow{}).Error
}

func (d *DB) ListSensors(ctx context.Context) ([]db.Sensor, error) {
	g, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []sensorRow
	if err := g.Order("address").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]db.Sensor, 0, len(rows))
	for i := range rows {
		s, err := rows[i].sensor()
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", rows[i].Address, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *DB) Close() error {
	if d.closed.Swap(true) || d.gdb == nil {
		return nil
	}
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
