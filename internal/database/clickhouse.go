package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// conn is the part of driver.Conn the store uses
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

type ClickHouseDB struct {
	conn conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(addr, database, username, password string) (*ClickHouseDB, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := setupClickHouse(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "clickhouse").Str("addr", addr).Msg("Connected to ClickHouse")
	return db, nil
}

// setupClickHouse checks c and creates the schema. c is closed on failure.
func setupClickHouse(ctx context.Context, c conn) (*ClickHouseDB, error) {
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: c}
	if err := db.InitSchema(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Info().Str("component", "clickhouse").Msg("Database schema initialized successfully")
	return nil
}

// SaveReading saves a soil reading to the database
func (db *ClickHouseDB) SaveReading(ctx context.Context, reading *models.StoredReading) error {
	query := `
		INSERT INTO soil_readings (id, timestamp, device_id, session_id, nitrogen, phosphorus, potassium, ph, moisture, soil_temperature, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	flags := reading.Flags
	if flags == nil {
		flags = []string{}
	}

	err := db.conn.Exec(ctx, query,
		reading.ID,
		reading.CapturedAt,
		reading.DeviceID,
		reading.SessionID,
		reading.Nitrogen,
		reading.Phosphorus,
		reading.Potassium,
		reading.PH,
		reading.Moisture,
		reading.SoilTemperature,
		flags,
	)
	if err != nil {
		return fmt.Errorf("failed to insert soil reading: %w", err)
	}
	return nil
}

// SaveConnectionEvent saves a connection state transition
func (db *ClickHouseDB) SaveConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error {
	query := `
		INSERT INTO connection_events (timestamp, device_id, session_id, state, reason)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		event.Timestamp,
		event.DeviceID,
		event.SessionID,
		event.State,
		event.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection event: %w", err)
	}
	return nil
}

// UpsertDevice inserts or updates a device in the registry
func (db *ClickHouseDB) UpsertDevice(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO device_registry (device_id, name, registered_at, last_seen, is_active)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		device.DeviceID,
		device.Name,
		device.RegisteredAt,
		device.LastSeen,
		device.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

type readingRow struct {
	ID              string    `ch:"id"`
	Timestamp       time.Time `ch:"timestamp"`
	DeviceID        string    `ch:"device_id"`
	SessionID       string    `ch:"session_id"`
	Nitrogen        float64   `ch:"nitrogen"`
	Phosphorus      float64   `ch:"phosphorus"`
	Potassium       float64   `ch:"potassium"`
	PH              float64   `ch:"ph"`
	Moisture        *float64  `ch:"moisture"`
	SoilTemperature *float64  `ch:"soil_temperature"`
	Flags           []string  `ch:"flags"`
}

// RecentReadings returns the latest readings, newest first
func (db *ClickHouseDB) RecentReadings(ctx context.Context, deviceID string, limit int) ([]models.StoredReading, error) {
	query := `
		SELECT id, timestamp, device_id, session_id, nitrogen, phosphorus, potassium, ph, moisture, soil_temperature, flags
		FROM soil_readings
		WHERE (? = '' OR device_id = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`

	var rows []readingRow
	if err := db.conn.Select(ctx, &rows, query, deviceID, deviceID, limit); err != nil {
		return nil, fmt.Errorf("failed to query soil readings: %w", err)
	}

	readings := make([]models.StoredReading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, models.StoredReading{
			SensorReading: models.SensorReading{
				DeviceID:        row.DeviceID,
				Nitrogen:        row.Nitrogen,
				Phosphorus:      row.Phosphorus,
				Potassium:       row.Potassium,
				PH:              row.PH,
				Moisture:        row.Moisture,
				SoilTemperature: row.SoilTemperature,
				CapturedAt:      row.Timestamp,
			},
			ID:        row.ID,
			SessionID: row.SessionID,
			Flags:     row.Flags,
		})
	}
	return readings, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		log.Info().Str("component", "clickhouse").Msg("ClickHouse connection closed")
	}
	return nil
}
