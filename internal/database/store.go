package database

import (
	"context"
	"fmt"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// Store persists readings, connection events and the device registry
type Store interface {
	SaveReading(ctx context.Context, reading *models.StoredReading) error
	SaveConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error
	UpsertDevice(ctx context.Context, device *models.Device) error
	// RecentReadings returns up to limit readings, newest first. An empty
	// deviceID matches every device.
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]models.StoredReading, error)
	Close() error
}

// StoreConfig selects and configures a Store
type StoreConfig struct {
	Kind string // clickhouse, influx or none

	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// Open connects the store named by config.Kind
func Open(config StoreConfig) (Store, error) {
	switch config.Kind {
	case "clickhouse":
		db, err := NewClickHouseDB(config.ClickHouseAddr, config.ClickHouseDB, config.ClickHouseUser, config.ClickHousePass)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "influx":
		db, err := NewInfluxDB(config.InfluxURL, config.InfluxToken, config.InfluxOrg, config.InfluxBucket)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "none", "":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", config.Kind)
	}
}

// NopStore discards everything
type NopStore struct{}

func (NopStore) SaveReading(context.Context, *models.StoredReading) error           { return nil }
func (NopStore) SaveConnectionEvent(context.Context, *models.ConnectionEvent) error { return nil }
func (NopStore) UpsertDevice(context.Context, *models.Device) error                 { return nil }
func (NopStore) Close() error                                                       { return nil }

func (NopStore) RecentReadings(context.Context, string, int) ([]models.StoredReading, error) {
	return []models.StoredReading{}, nil
}
