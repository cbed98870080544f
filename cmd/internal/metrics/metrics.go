// Package metrics exposes Prometheus instruments for the pairing layer.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nearby",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nearby",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nearby",
			Subsystem: "peer",
			Name:      "admission_total",
			Help:      "Peer admission decisions by outcome.",
		},
		[]string{"device", "outcome"},
	)
	peerConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nearby",
			Subsystem: "peer",
			Name:      "connected",
			Help:      "1 while the peer slot holds a connected peer.",
		},
		[]string{"device"},
	)
	exchangeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nearby",
			Subsystem: "exchange",
			Name:      "events_total",
			Help:      "Token exchange messages and failures.",
		},
		[]string{"device", "event"},
	)
	engineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nearby",
			Subsystem: "ranging",
			Name:      "engine_events_total",
			Help:      "Ranging engine events by kind.",
		},
		[]string{"device", "kind"},
	)
	distance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nearby",
			Subsystem: "ranging",
			Name:      "distance_meters",
			Help:      "Last observed distance to the peer.",
		},
		[]string{"device"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, admissions, peerConnected, exchangeEvents, engineEvents, distance)
	})
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}

// Recorder labels every pairing-layer instrument with one device name.
type Recorder struct {
	device string
}

// NewRecorder registers the instruments and returns a Recorder for device.
func NewRecorder(device string) *Recorder {
	RegisterMetrics()
	return &Recorder{device: device}
}

func (r *Recorder) Admission(outcome string) {
	admissions.WithLabelValues(r.device, outcome).Inc()
}

func (r *Recorder) Exchange(event string) {
	exchangeEvents.WithLabelValues(r.device, event).Inc()
}

func (r *Recorder) Engine(kind string) {
	engineEvents.WithLabelValues(r.device, kind).Inc()
}

func (r *Recorder) Distance(meters float64) {
	distance.WithLabelValues(r.device).Set(meters)
}

func (r *Recorder) Connected(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	peerConnected.WithLabelValues(r.device).Set(v)
}
