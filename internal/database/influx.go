package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// Influx measurement names
const (
	MeasurementReading = "soil_reading"
	MeasurementEvent   = "connection_event"
	MeasurementDevice  = "soil_device"
)

// How far back RecentReadings looks
const influxLookback = "-30d"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDB stores readings as points in one bucket
type InfluxDB struct {
	client influxdb2.Client
	writer pointWriter
	query  api.QueryAPI
	bucket string
}

// NewInfluxDB creates a client and checks the server is reachable
func NewInfluxDB(url, token, org, bucket string) (*InfluxDB, error) {
	if url == "" || token == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}

	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		return nil, fmt.Errorf("failed to reach InfluxDB at %s: %v", url, err)
	}

	log.Info().Str("component", "influx").Str("url", url).Str("bucket", bucket).Msg("Connected to InfluxDB")

	return &InfluxDB{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}, nil
}

func readingPoint(reading *models.StoredReading) *write.Point {
	tags := map[string]string{
		"device_id":  reading.DeviceID,
		"session_id": reading.SessionID,
	}
	fields := map[string]interface{}{
		"id":         reading.ID,
		"nitrogen":   reading.Nitrogen,
		"phosphorus": reading.Phosphorus,
		"potassium":  reading.Potassium,
		"ph":         reading.PH,
		"flags":      strings.Join(reading.Flags, ","),
	}
	if reading.Moisture != nil {
		fields["moisture"] = *reading.Moisture
	}
	if reading.SoilTemperature != nil {
		fields["soil_temperature"] = *reading.SoilTemperature
	}
	return influxdb2.NewPoint(MeasurementReading, tags, fields, reading.CapturedAt)
}

// SaveReading writes a reading point
func (db *InfluxDB) SaveReading(ctx context.Context, reading *models.StoredReading) error {
	if err := db.writer.WritePoint(ctx, readingPoint(reading)); err != nil {
		return fmt.Errorf("failed to write soil reading: %w", err)
	}
	return nil
}

// SaveConnectionEvent writes a connection event point
func (db *InfluxDB) SaveConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error {
	point := influxdb2.NewPoint(MeasurementEvent,
		map[string]string{"device_id": event.DeviceID, "state": event.State},
		map[string]interface{}{"session_id": event.SessionID, "reason": event.Reason},
		event.Timestamp,
	)
	if err := db.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write connection event: %w", err)
	}
	return nil
}

// UpsertDevice writes the device's latest registry entry
func (db *InfluxDB) UpsertDevice(ctx context.Context, device *models.Device) error {
	point := influxdb2.NewPoint(MeasurementDevice,
		map[string]string{"device_id": device.DeviceID},
		map[string]interface{}{
			"name":          device.Name,
			"registered_at": device.RegisteredAt.UnixMilli(),
			"is_active":     device.IsActive,
		},
		device.LastSeen,
	)
	if err := db.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// recentReadingsFlux builds the query behind RecentReadings
func recentReadingsFlux(bucket, deviceID string, limit int) string {
	filter := fmt.Sprintf(`r._measurement == %s`, strconv.Quote(MeasurementReading))
	if deviceID != "" {
		filter += fmt.Sprintf(` and r.device_id == %s`, strconv.Quote(deviceID))
	}
	return fmt.Sprintf(`
from(bucket: %s)
  |> range(start: %s)
  |> filter(fn: (r) => %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, strconv.Quote(bucket), influxLookback, filter, limit)
}

// RecentReadings queries the latest readings, newest first
func (db *InfluxDB) RecentReadings(ctx context.Context, deviceID string, limit int) ([]models.StoredReading, error) {
	res, err := db.query.Query(ctx, recentReadingsFlux(db.bucket, deviceID, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query soil readings: %w", err)
	}
	defer res.Close()

	readings := make([]models.StoredReading, 0, limit)
	for res.Next() {
		readings = append(readings, readingFromRecord(res.Record()))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to read soil readings: %w", err)
	}
	return readings, nil
}

func readingFromRecord(rec *query.FluxRecord) models.StoredReading {
	reading := models.StoredReading{
		SensorReading: models.SensorReading{
			DeviceID:   stringValue(rec.ValueByKey("device_id")),
			Nitrogen:   floatValue(rec.ValueByKey("nitrogen")),
			Phosphorus: floatValue(rec.ValueByKey("phosphorus")),
			Potassium:  floatValue(rec.ValueByKey("potassium")),
			PH:         floatValue(rec.ValueByKey("ph")),
			CapturedAt: rec.Time(),
		},
		ID:        stringValue(rec.ValueByKey("id")),
		SessionID: stringValue(rec.ValueByKey("session_id")),
	}
	if v := rec.ValueByKey("moisture"); v != nil {
		reading.Moisture = models.Float64(floatValue(v))
	}
	if v := rec.ValueByKey("soil_temperature"); v != nil {
		reading.SoilTemperature = models.Float64(floatValue(v))
	}
	if flags := stringValue(rec.ValueByKey("flags")); flags != "" {
		reading.Flags = strings.Split(flags, ",")
	}
	return reading
}

func floatValue(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	}
	return 0
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Close flushes nothing; writes are blocking
func (db *InfluxDB) Close() error {
	if db.client != nil {
		db.client.Close()
		log.Info().Str("component", "influx").Msg("InfluxDB client closed")
	}
	return nil
}
