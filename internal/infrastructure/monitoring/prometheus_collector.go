package monitoring

import (
	"roomcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	roomsActive       prometheus.Gauge
	signalConnections prometheus.Gauge
	roomViewers       *prometheus.GaugeVec
	producersTotal    *prometheus.CounterVec
	producersRemoved  *prometheus.CounterVec
	signalRequests    *prometheus.CounterVec
	encoderStarts     *prometheus.CounterVec
	encoderExits      *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms holding producers or consumer transports",
		}),

		signalConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_signal_connections",
			Help: "Open signaling connections",
		}),

		roomViewers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_room_viewers",
			Help: "Distinct viewers per room",
		}, []string{"room_id"}),

		producersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_producers_registered_total",
			Help: "Producers registered, by media kind",
		}, []string{"kind"}),

		producersRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_producers_removed_total",
			Help: "Producers removed, by media kind and reason",
		}, []string{"kind", "reason"}),

		signalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_signal_requests_total",
			Help: "Signaling requests by method and outcome",
		}, []string{"method", "status"}),

		encoderStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_encoder_starts_total",
			Help: "Encoder processes spawned",
		}, []string{"kind"}),

		encoderExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_encoder_exits_total",
			Help: "Encoder process exits by outcome",
		}, []string{"kind", "outcome"}),
	}
}

func (c *PrometheusCollector) SetRoomsActive(n int) {
	c.roomsActive.Set(float64(n))
}

func (c *PrometheusCollector) SetConnections(n int) {
	c.signalConnections.Set(float64(n))
}

func (c *PrometheusCollector) SetViewers(roomID domain.RoomID, viewers int) {
	c.roomViewers.WithLabelValues(string(roomID)).Set(float64(viewers))
}

// ClearRoom drops the per-room series once a room is gone.
func (c *PrometheusCollector) ClearRoom(roomID domain.RoomID) {
	c.roomViewers.DeleteLabelValues(string(roomID))
}

func (c *PrometheusCollector) ProducerRegistered(kind domain.MediaKind) {
	c.producersTotal.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) ProducerRemoved(kind domain.MediaKind, reason string) {
	c.producersRemoved.WithLabelValues(string(kind), reason).Inc()
}

func (c *PrometheusCollector) SignalRequest(method string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.signalRequests.WithLabelValues(method, status).Inc()
}

func (c *PrometheusCollector) EncoderStarted(kind domain.JobKind) {
	c.encoderStarts.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) EncoderExited(kind domain.JobKind, crashed bool) {
	outcome := "clean"
	if crashed {
		outcome = "crash"
	}
	c.encoderExits.WithLabelValues(string(kind), outcome).Inc()
}
