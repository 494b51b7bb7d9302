package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tryon_build_info",
			Help: "Build information for the try-on relay",
		},
		[]string{"version", "component"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tryon_sessions_active",
			Help: "Sessions currently holding a backend connection",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_sessions_total",
			Help: "Sessions by outcome of the backend open",
		},
		[]string{"result"},
	)

	framesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tryon_frames_total",
			Help: "Frames relayed through the backend and answered",
		},
	)

	frameRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tryon_frame_roundtrip_seconds",
			Help:    "Time from frame send to backend reply",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	garmentChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_garment_changes_total",
			Help: "Garment change requests by outcome",
		},
		[]string{"result"},
	)

	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tryon_decode_errors_total",
			Help: "Client messages dropped because they could not be decoded",
		},
	)

	backendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_backend_errors_total",
			Help: "Fatal backend failures by kind",
		},
		[]string{"kind"},
	)

	backendUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tryon_backend_up",
			Help: "1 when the last reachability probe succeeded",
		},
	)
)

// Register adds every relay collector to r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsTotal, framesTotal, frameRoundTrip,
		garmentChanges, decodeErrors, backendErrors, backendUp)
}

func SetBuildInfo(version, component string) {
	buildInfo.WithLabelValues(version, component).Set(1)
}

// SessionOpened counts a session that reached READY.
func SessionOpened() {
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues("opened").Inc()
}

// SessionRejected counts a session whose backend never opened.
func SessionRejected() { sessionsTotal.WithLabelValues("failed").Inc() }

// SessionClosed pairs with SessionOpened.
func SessionClosed() { sessionsActive.Dec() }

func ObserveFrame(d time.Duration) {
	framesTotal.Inc()
	frameRoundTrip.Observe(d.Seconds())
}

func GarmentChanged()  { garmentChanges.WithLabelValues("applied").Inc() }
func GarmentRejected() { garmentChanges.WithLabelValues("rejected").Inc() }

func DecodeError() { decodeErrors.Inc() }

func BackendError(kind string) { backendErrors.WithLabelValues(kind).Inc() }

func SetBackendUp(up bool) {
	if up {
		backendUp.Set(1)
		return
	}
	backendUp.Set(0)
}
