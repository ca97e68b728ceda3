package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func expectValue(t *testing.T, name string, c prometheus.Collector, want float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != want {
		t.Fatalf("%s: expected %v, got %v", name, want, got)
	}
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.SetChannels(3)
	c.SetPublisher(true)
	c.ObserveClaim("systemIdentityID", OutcomeAccepted)
	c.ObserveClaim("systemIdentityID", OutcomeAccepted)
	c.ObserveClaim("systemIdentityID", OutcomeRejected)
	c.ObserveMessage("in", KindRaw)

	expectValue(t, "channels", c.ChannelsOpen, 3)
	expectValue(t, "publishers", c.PublishConnections, 1)
	expectValue(t, "accepted", c.SessionClaims.WithLabelValues("systemIdentityID", OutcomeAccepted), 2)
	expectValue(t, "rejected", c.SessionClaims.WithLabelValues("systemIdentityID", OutcomeRejected), 1)
	expectValue(t, "messages", c.Messages.WithLabelValues("in", KindRaw), 1)

	c.SetPublisher(false)
	expectValue(t, "publishers after close", c.PublishConnections, 0)
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	c.SetChannels(1)
	c.SetPublisher(true)
	c.ObserveClaim("x", OutcomeError)
	c.ObserveMessage("out", KindParsed)
}
