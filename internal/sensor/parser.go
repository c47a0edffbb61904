package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// Frame keys understood by the parser. Keys are case sensitive except pH.
const (
	KeyNitrogen        = "N"
	KeyPhosphorus      = "P"
	KeyPotassium       = "K"
	KeyPH              = "pH"
	KeyPHUpper         = "PH"
	KeyMoisture        = "M"
	KeySoilTemperature = "T"
)

// DefaultPH is used when a frame carries no pH value
const DefaultPH = 7.0

// Parse decodes a frame such as "N:90.5,P:42.3,K:43.1,pH:6.5,M:45.2,T:25.3"
// captured now.
func Parse(raw string) (models.SensorReading, error) {
	return ParseAt(raw, time.Now())
}

// ParseAt decodes a frame captured at the given time.
//
// Tokens are separated by commas and must hold exactly one colon; tokens that
// do not, or whose value is not a finite number, are skipped. Missing
// nutrients default to 0, a missing pH to DefaultPH, and missing moisture or
// soil temperature stay nil. Invalid UTF-8 is replaced before splitting, so
// a stray byte costs one token, not the frame. A ParseError is only returned
// when parsing fails unexpectedly.
func ParseAt(raw string, capturedAt time.Time) (reading models.SensorReading, err error) {
	defer func() {
		if r := recover(); r != nil {
			reading = models.SensorReading{}
			err = &ParseError{Frame: raw, Reason: fmt.Sprint(r)}
		}
	}()

	// Line noise only spoils the token it lands in
	text := strings.ToValidUTF8(raw, "\uFFFD")

	values := make(map[string]float64, 6)
	for _, token := range strings.Split(strings.TrimSpace(text), ",") {
		parts := strings.Split(token, ":")
		if len(parts) != 2 {
			continue
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		values[strings.TrimSpace(parts[0])] = value
	}

	reading = models.SensorReading{
		Nitrogen:   values[KeyNitrogen],
		Phosphorus: values[KeyPhosphorus],
		Potassium:  values[KeyPotassium],
		PH:         DefaultPH,
		CapturedAt: capturedAt,
	}

	if v, ok := values[KeyPH]; ok {
		reading.PH = v
	} else if v, ok := values[KeyPHUpper]; ok {
		reading.PH = v
	}
	if v, ok := values[KeyMoisture]; ok {
		reading.Moisture = models.Float64(v)
	}
	if v, ok := values[KeySoilTemperature]; ok {
		reading.SoilTemperature = models.Float64(v)
	}

	return reading, nil
}
