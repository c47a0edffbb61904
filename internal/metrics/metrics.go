package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "soil_sensor"

var (
	// StateTransitions counts published connection states by kind
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Connection states published, by state.",
	}, []string{"state"})

	// FramesParsed counts frames decoded into readings
	FramesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_parsed_total",
		Help:      "Sensor frames decoded into readings.",
	})

	// ParseFailures counts frames rejected by the parser
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_failures_total",
		Help:      "Sensor frames that could not be decoded.",
	})

	// CommandsSent counts commands written to the sensor, by result
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_sent_total",
		Help:      "Commands written to the sensor, by result.",
	}, []string{"result"})

	// ReadingsStored counts history writes, by result
	ReadingsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_stored_total",
		Help:      "Readings written to the history store, by result.",
	}, []string{"result"})

	// MQTTPublishes counts bridge publishes, by kind and result
	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_publishes_total",
		Help:      "Messages published to the MQTT broker, by kind and result.",
	}, []string{"kind", "result"})

	// Connected is 1 while a sensor session is open
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "1 while a sensor session is open.",
	})
)

// Result maps an error to a "ok"/"error" label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
