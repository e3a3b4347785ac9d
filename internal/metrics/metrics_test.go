package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter/gauge value, or histogram sample count, of the
// series in family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if !hasLabels(m, want) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.Counter.GetValue()
			case m.Gauge != nil:
				return m.Gauge.GetValue()
			case m.Histogram != nil:
				return float64(m.Histogram.GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.claimsStarted, "claimsStarted counter should be initialized")
	assert.NotNil(t, collector.claimsFailed, "claimsFailed counter should be initialized")
	assert.NotNil(t, collector.miningDuration, "miningDuration histogram should be initialized")
	assert.NotNil(t, collector.state, "state gauge should be initialized")

	assert.Equal(t, 1.0, value(t, reg, "faucet_claim_state", map[string]string{"state": "idle"}))
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = prev }()

	assert.NotPanics(t, func() {
		NewCollector(nil)
	})
	assert.Panics(t, func() {
		NewCollector(nil)
	}, "registering twice should panic")
}

func TestRecordClaimLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStarted()
	c.RecordStarted()
	c.RecordDone()
	c.RecordStopped()
	c.RecordFailed(StageNegotiate)
	c.RecordFailed(StageNegotiate)
	c.RecordFailed(StageDispense)

	assert.Equal(t, 2.0, value(t, reg, "faucet_claims_started_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "faucet_claims_done_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "faucet_claims_stopped_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "faucet_claims_failed_total", map[string]string{"stage": "negotiate"}))
	assert.Equal(t, 1.0, value(t, reg, "faucet_claims_failed_total", map[string]string{"stage": "dispense"}))
}

func TestRecordMined(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMined(256, 20*time.Millisecond)
	c.RecordMined(44, time.Second)

	assert.Equal(t, 300.0, value(t, reg, "faucet_hashes_tried_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "faucet_mining_duration_seconds", nil))
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	latencies := []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second}
	for _, d := range latencies {
		c.ObserveRequest(OpSession, d)
	}
	c.ObserveRequest(OpDispense, time.Millisecond)

	assert.Equal(t, 3.0, value(t, reg, "faucet_request_duration_seconds", map[string]string{"op": "session"}))
	assert.Equal(t, 1.0, value(t, reg, "faucet_request_duration_seconds", map[string]string{"op": "dispense"}))
}

func TestSetStateIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetState(types.StateMining)

	for _, s := range allStates {
		want := 0.0
		if s == types.StateMining {
			want = 1
		}
		assert.Equal(t, want, value(t, reg, "faucet_claim_state", map[string]string{"state": string(s)}), "state %s", s)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordStarted()
		c.RecordDone()
		c.RecordFailed(StageMine)
		c.RecordStopped()
		c.RecordMined(1, time.Second)
		c.ObserveRequest(OpSession, time.Second)
		c.SetState(types.StateDone)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordStarted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "faucet_claims_started_total 1")
}

func TestRegisterFeedGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	clients := int64(2)
	subs := map[string]int{"start": 3, "done": 1}

	RegisterFeedGauges(reg, func() int64 { return clients }, []string{"start", "done"}, func(topic string) int {
		return subs[topic]
	})

	assert.Equal(t, float64(2), value(t, reg, "faucet_feed_clients", nil))
	assert.Equal(t, float64(3), value(t, reg, "faucet_bus_subscribers", map[string]string{"topic": "start"}))
	assert.Equal(t, float64(1), value(t, reg, "faucet_bus_subscribers", map[string]string{"topic": "done"}))

	// Values are read at scrape time.
	clients = 0
	assert.Equal(t, float64(0), value(t, reg, "faucet_feed_clients", nil))
}
