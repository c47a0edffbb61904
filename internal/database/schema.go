package database

// SQL schemas for all ClickHouse tables

const (
	// SoilReadingsTableSQL creates the soil_readings table
	SoilReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS soil_readings (
			id String,
			timestamp DateTime64(3),
			device_id String,
			session_id String,
			nitrogen Float64,
			phosphorus Float64,
			potassium Float64,
			ph Float64,
			moisture Nullable(Float64),
			soil_temperature Nullable(Float64),
			flags Array(String)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// ConnectionEventsTableSQL creates the connection_events table
	ConnectionEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS connection_events (
			timestamp DateTime64(3),
			device_id String,
			session_id String,
			state LowCardinality(String),
			reason String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			name String,
			registered_at DateTime64(3),
			last_seen DateTime64(3),
			is_active Bool
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		SoilReadingsTableSQL,
		ConnectionEventsTableSQL,
		DeviceRegistryTableSQL,
	}
}
