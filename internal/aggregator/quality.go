package aggregator

import (
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// Quality flags attached to stored readings
const (
	FlagPHOutOfRange       = "ph_out_of_range"
	FlagNutrientOutOfRange = "nutrient_out_of_range"
	FlagMoistureOutOfRange = "moisture_out_of_range"
	FlagTemperatureRange   = "temperature_out_of_range"
	FlagEmptyFrame         = "empty_frame"
)

// QualityConfig holds the plausible ranges for a soil reading
type QualityConfig struct {
	MinPH          float64
	MaxPH          float64
	MaxNutrient    float64 // mg/kg; zero disables the upper bound
	MinMoisture    float64
	MaxMoisture    float64
	MinTemperature float64 // Celsius
	MaxTemperature float64
}

// DefaultQualityConfig returns ranges for an NPK soil probe
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		MinPH:          0,
		MaxPH:          14,
		MaxNutrient:    1999, // upper limit of the common RS485/TTL NPK probes
		MinMoisture:    0,
		MaxMoisture:    100,
		MinTemperature: -40,
		MaxTemperature: 80,
	}
}

// QualityReport is the outcome of AnalyzeReading
type QualityReport struct {
	Flags []string
}

// OK reports whether the reading passed every check
func (q QualityReport) OK() bool {
	return len(q.Flags) == 0
}

// AnalyzeReading checks reading with the default ranges
func AnalyzeReading(reading models.SensorReading) QualityReport {
	return AnalyzeReadingWithConfig(reading, DefaultQualityConfig())
}

// AnalyzeReadingWithConfig flags values outside config. A frame in which
// nothing was recognised decodes to all defaults and is flagged as empty.
func AnalyzeReadingWithConfig(reading models.SensorReading, config QualityConfig) QualityReport {
	var report QualityReport

	if reading.PH < config.MinPH || reading.PH > config.MaxPH {
		report.Flags = append(report.Flags, FlagPHOutOfRange)
	}

	for _, v := range []float64{reading.Nitrogen, reading.Phosphorus, reading.Potassium} {
		if v < 0 || (config.MaxNutrient > 0 && v > config.MaxNutrient) {
			report.Flags = append(report.Flags, FlagNutrientOutOfRange)
			break
		}
	}

	if m := reading.Moisture; m != nil && (*m < config.MinMoisture || *m > config.MaxMoisture) {
		report.Flags = append(report.Flags, FlagMoistureOutOfRange)
	}
	if t := reading.SoilTemperature; t != nil && (*t < config.MinTemperature || *t > config.MaxTemperature) {
		report.Flags = append(report.Flags, FlagTemperatureRange)
	}

	if isEmpty(reading) {
		report.Flags = append(report.Flags, FlagEmptyFrame)
	}

	if !report.OK() {
		log.Debug().Str("component", "quality").Str("device", reading.DeviceID).Strs("flags", report.Flags).
			Msg("Reading failed quality checks")
	}
	return report
}

func isEmpty(r models.SensorReading) bool {
	return r.Nitrogen == 0 && r.Phosphorus == 0 && r.Potassium == 0 &&
		r.PH == sensor.DefaultPH && r.Moisture == nil && r.SoilTemperature == nil
}
