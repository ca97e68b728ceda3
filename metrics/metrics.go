// Package metrics holds the Prometheus collectors shared by the channel
// registry and the session store. A nil *Collectors is valid and records
// nothing, so components can take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rchan"

// Claim outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Message kinds.
const (
	KindParsed = "parsed"
	KindRaw    = "raw"
)

// Collectors groups every metric the module exports.
type Collectors struct {
	ChannelsOpen       prometheus.Gauge
	PublishConnections prometheus.Gauge
	SessionClaims      *prometheus.CounterVec
	Messages           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "The current number of channels held by the registry.",
		}),
		PublishConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_connections",
			Help:      "The number of shared publish connections currently open (0 or 1).",
		}),
		SessionClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_claims_total",
			Help:      "The total number of conditional session writes by outcome.",
		}, []string{"category", "outcome"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "The total number of channel messages by direction and payload kind.",
		}, []string{"direction", "kind"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.ChannelsOpen, c.PublishConnections, c.SessionClaims, c.Messages} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetChannels records the registry size.
func (c *Collectors) SetChannels(n int) {
	if c == nil {
		return
	}
	c.ChannelsOpen.Set(float64(n))
}

// SetPublisher records whether the shared publish connection is open.
func (c *Collectors) SetPublisher(open bool) {
	if c == nil {
		return
	}
	if open {
		c.PublishConnections.Set(1)
	} else {
		c.PublishConnections.Set(0)
	}
}

// ObserveClaim counts one conditional write.
func (c *Collectors) ObserveClaim(category, outcome string) {
	if c == nil {
		return
	}
	c.SessionClaims.WithLabelValues(category, outcome).Inc()
}

// ObserveMessage counts one published ("out") or received ("in") message.
func (c *Collectors) ObserveMessage(direction, kind string) {
	if c == nil {
		return
	}
	c.Messages.WithLabelValues(direction, kind).Inc()
}
