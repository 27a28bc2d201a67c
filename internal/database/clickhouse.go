package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"firerisk-backend/internal/models"
)

// Options configures the ClickHouse connection and the derived metric identity
type Options struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Measurement string // derived metric name, e.g. f_index
	Tag         string // sensor_id tag of the derived metric, e.g. calcF
}

type ClickHouseDB struct {
	conn        driver.Conn
	measurement string
	tag         string
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, opts Options) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Printf("Connected to ClickHouse at %s", opts.Addr)

	db := newWithConn(conn, opts)

	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func newWithConn(conn driver.Conn, opts Options) *ClickHouseDB {
	return &ClickHouseDB{
		conn:        conn,
		measurement: opts.Measurement,
		tag:         opts.Tag,
	}
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Println("Database schema initialized successfully")
	return nil
}

// Ping checks the connection
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// WriteDerivedMetric stores one F-index point at its reference timestamp
func (db *ClickHouseDB) WriteDerivedMetric(ctx context.Context, metric models.DerivedMetric) error {
	query := `
		INSERT INTO derived_metrics (timestamp, measurement, sensor_id, f_index, fmi)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		metric.ReferenceTimestamp.UTC(),
		db.measurement,
		db.tag,
		metric.FIndex,
		metric.FMI,
	)

	if err != nil {
		return fmt.Errorf("failed to insert derived metric: %w", err)
	}

	log.Printf("ClickHouse write OK: %s=%.4f @ %s", db.measurement, metric.FIndex, models.FormatTimestamp(metric.ReferenceTimestamp))
	return nil
}

// SaveWind stores a raw wind reading together with its km/h value
func (db *ClickHouseDB) SaveWind(ctx context.Context, reading *models.WindReading, kmh float64) error {
	query := `
		INSERT INTO wind_data (timestamp, sensor_id, wind_speed, unit, wind_speed_kmh)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		reading.Timestamp.UTC(),
		reading.SensorID,
		reading.Speed,
		reading.Unit,
		kmh,
	)

	if err != nil {
		return fmt.Errorf("failed to insert wind reading: %w", err)
	}

	return nil
}

// SaveClimate stores a raw temperature/humidity reading
func (db *ClickHouseDB) SaveClimate(ctx context.Context, reading *models.ClimateReading) error {
	query := `
		INSERT INTO sensor_data (timestamp, sensor_id, temperature, humidity)
		VALUES (?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		reading.Timestamp.UTC(),
		reading.SensorID,
		reading.Temperature,
		reading.Humidity,
	)

	if err != nil {
		return fmt.Errorf("failed to insert climate reading: %w", err)
	}

	return nil
}

// SaveAlertEvent records an admitted alert and its delivery result
func (db *ClickHouseDB) SaveAlertEvent(ctx context.Context, event models.AlertEvent) error {
	query := `
		INSERT INTO alert_events (id, timestamp, f_index, threshold, phone, delivered)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		event.ID,
		event.Timestamp.UTC(),
		event.FIndex,
		event.Threshold,
		event.Phone,
		event.Delivered,
	)

	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}

	return nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		log.Println("ClickHouse connection closed")
	}
	return nil
}
