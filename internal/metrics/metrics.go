package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Push outcomes.
const (
	OutcomeOK     = "ok"
	OutcomePruned = "pruned"
	OutcomeError  = "error"
)

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requestsCreated    prometheus.Counter
	requestsSuperseded prometheus.Counter
	resolutions        *prometheus.CounterVec
	pushDeliveries     *prometheus.CounterVec
	wsConnections      prometheus.Gauge
	rooms              prometheus.Gauge
	roomsEvicted       prometheus.Counter
	certRegenerations  *prometheus.CounterVec
	sweepRemoved       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "requests_created_total",
			Help:      "Permission requests received from agent hooks.",
		}),
		requestsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "requests_superseded_total",
			Help:      "Pending requests cancelled by a newer request from the same origin.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "request_resolutions_total",
			Help:      "Request resolutions by outcome.",
		}, []string{"outcome"}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "push_deliveries_total",
			Help:      "Push deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptrelay",
			Name:      "websocket_connections",
			Help:      "Live WebSocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptrelay",
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		roomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "rooms_evicted_total",
			Help:      "Rooms evicted because the room cap was reached.",
		}),
		certRegenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "cert_regenerations_total",
			Help:      "Leaf certificate regenerations by result.",
		}, []string{"result"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptrelay",
			Name:      "sweep_removed_total",
			Help:      "Objects removed by the periodic sweep.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsCreated,
			m.requestsSuperseded,
			m.resolutions,
			m.pushDeliveries,
			m.wsConnections,
			m.rooms,
			m.roomsEvicted,
			m.certRegenerations,
			m.sweepRemoved,
		)
	}
	return m
}

func (m *Metrics) RequestCreated(superseded int) {
	if m == nil {
		return
	}
	m.requestsCreated.Inc()
	m.requestsSuperseded.Add(float64(superseded))
}

func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PushDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) RoomEvicted() {
	if m == nil {
		return
	}
	m.roomsEvicted.Inc()
}

func (m *Metrics) CertRegenerated(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.certRegenerations.WithLabelValues(result).Inc()
}

func (m *Metrics) SweepRemoved(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepRemoved.WithLabelValues(kind).Add(float64(n))
}
