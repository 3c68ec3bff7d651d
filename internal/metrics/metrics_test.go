package metrics

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidationbot/internal/attempts"
	"liquidationbot/internal/pricemath"
)

type fakeRiskSet struct {
	size  int
	minHF float64
}

func (f fakeRiskSet) Len() int               { return f.size }
func (f fakeRiskSet) MinActionableHF() float64 { return f.minHF }

type fakePrices struct{ counts map[pricemath.Source]uint64 }

func (f fakePrices) Counters() map[pricemath.Source]uint64 { return f.counts }

type fakeLedger struct{ counts map[attempts.Status]int }

func (f fakeLedger) StatusCounts() map[attempts.Status]int { return f.counts }

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestTick_setsRiskSetGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, fakeRiskSet{size: 3, minHF: 1.05}, fakePrices{counts: map[pricemath.Source]uint64{pricemath.SourceFeed: 2}}, fakeLedger{counts: map[attempts.Status]int{attempts.StatusPending: 1}}, zerolog.Nop())

	c.tick()

	assert.Equal(t, float64(3), gaugeValue(t, reg, "liquidationbot_risk_set_size"))
	assert.Equal(t, 1.05, gaugeValue(t, reg, "liquidationbot_min_actionable_health_factor"))
}

func TestTick_handlesEmptyRiskSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, fakeRiskSet{size: 0, minHF: math.Inf(1)}, fakePrices{counts: map[pricemath.Source]uint64{}}, fakeLedger{counts: map[attempts.Status]int{}}, zerolog.Nop())

	c.tick()

	assert.Equal(t, float64(0), gaugeValue(t, reg, "liquidationbot_risk_set_size"))
	assert.True(t, math.IsInf(gaugeValue(t, reg, "liquidationbot_min_actionable_health_factor"), 1))
}

func TestAddSkipped_incrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, fakeRiskSet{}, fakePrices{counts: map[pricemath.Source]uint64{}}, fakeLedger{counts: map[attempts.Status]int{}}, zerolog.Nop())

	c.AddSkipped(4)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "liquidationbot_verifier_skipped_total" {
			found = fam
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, float64(4), found.GetMetric()[0].GetCounter().GetValue())
}
