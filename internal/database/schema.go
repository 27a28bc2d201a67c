package database

// SQL schemas for all ClickHouse tables

const (
	// DerivedMetricsTableSQL creates the derived_metrics table. Rows with the same
	// measurement, tag and timestamp collapse on merge, so a repeated write of the
	// same fusion event cannot double count.
	DerivedMetricsTableSQL = `
		CREATE TABLE IF NOT EXISTS derived_metrics (
			timestamp DateTime('UTC'),
			measurement LowCardinality(String),
			sensor_id LowCardinality(String),
			f_index Float64,
			fmi Float64,
			inserted_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(inserted_at)
		ORDER BY (measurement, sensor_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// WindDataTableSQL creates the wind_data table
	WindDataTableSQL = `
		CREATE TABLE IF NOT EXISTS wind_data (
			timestamp DateTime('UTC'),
			sensor_id String,
			wind_speed Float64,
			unit LowCardinality(String),
			wind_speed_kmh Float64
		) ENGINE = MergeTree()
		ORDER BY (sensor_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// SensorDataTableSQL creates the sensor_data table for raw temperature/humidity
	SensorDataTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_data (
			timestamp DateTime('UTC'),
			sensor_id String,
			temperature Float64,
			humidity Float64
		) ENGINE = MergeTree()
		ORDER BY (sensor_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// AlertEventsTableSQL creates the alert_events table
	AlertEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS alert_events (
			id UUID,
			timestamp DateTime('UTC'),
			f_index Float64,
			threshold Float64,
			phone String,
			delivered Bool,
			created_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		ORDER BY (timestamp, id)
		PARTITION BY toYYYYMM(timestamp)
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DerivedMetricsTableSQL,
		WindDataTableSQL,
		SensorDataTableSQL,
		AlertEventsTableSQL,
	}
}
