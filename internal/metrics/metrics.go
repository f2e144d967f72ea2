package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service bundles the node's Prometheus collectors. One instance per
// process, injected where increments happen.
type Service struct {
	SignalsObserved   *prometheus.CounterVec
	SigningCeremonies *prometheus.CounterVec
	DKGCeremonies     *prometheus.CounterVec
	BusMessages       *prometheus.CounterVec
	ChainHealthy      *prometheus.GaugeVec
	PendingRequests   prometheus.GaugeFunc
}

// New registers the collectors on the default registry. pending supplies
// the live request count for the gauge.
func New(pending func() float64) *Service {
	return &Service{
		SignalsObserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_signals_observed_total",
			Help: "Confirmed SignalSent events handed to the signing coordinator.",
		}, []string{"chain"}),
		SigningCeremonies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_signing_ceremonies_total",
			Help: "Signing ceremony outcomes.",
		}, []string{"result"}),
		DKGCeremonies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dkg_ceremonies_total",
			Help: "DKG ceremony outcomes.",
		}, []string{"result"}),
		BusMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_bus_messages_total",
			Help: "Inbound transport bus messages by type.",
		}, []string{"type"}),
		ChainHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_chain_healthy",
			Help: "Per-chain monitor health (1 healthy, 0 unhealthy).",
		}, []string{"chain"}),
		PendingRequests: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_pending_signing_requests",
			Help: "Signing requests not yet in a terminal state.",
		}, pending),
	}
}
