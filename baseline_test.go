package stellar

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicsSharedLink(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)

	avg := AverageRates(m)
	assert.Equal(t, [][]float64{{50}, {50}}, avg)
	assert.InDelta(t, 1.5, AverageCompletionTime(m, avg), 1e-12)

	data := DataAwareRates(m)
	assert.InDelta(t, 200.0/3, data[0][0], 1e-9)
	assert.InDelta(t, 100.0/3, data[1][0], 1e-9)
	assert.InDelta(t, 1.5, AverageCompletionTime(m, data), 1e-9)

	barrier, rounds := BarrierAwareRates(m)
	assert.Equal(t, 1, rounds)
	assert.InDelta(t, 200.0/3, barrier[0][0], 1e-9)
	assert.InDelta(t, 100.0/3, barrier[1][0], 1e-9)
}

func TestAverageRatesFinalizesOnce(t *testing.T) {
	m := mixedModel(t)

	// link 2 (capacity 50) splits first, link 3 next; link 1 finds every group fixed
	raw := AverageRates(m)
	assert.Equal(t, [][]float64{{25, 25}, {80}}, raw)
	require.Len(t, CheckCapacity(m, raw, 0), 1)

	repaired := RepairCapacity(m, raw)
	assert.InDelta(t, 25*100.0/105, repaired[0][0], 1e-9)
	assert.InDelta(t, 25, repaired[0][1], 1e-9)
	assert.InDelta(t, 80*100.0/105, repaired[1][0], 1e-9)
	assert.Empty(t, CheckCapacity(m, repaired, 1e-9))
}

func TestBarrierAwareRatesRounds(t *testing.T) {
	m := mixedModel(t)
	rates, rounds := BarrierAwareRates(m)

	assert.Equal(t, 2, rounds)
	assert.InDelta(t, 50.0/3, rates[0][0], 1e-9)
	assert.InDelta(t, 100.0/3, rates[0][1], 1e-9)
	assert.InDelta(t, 80, rates[1][0], 1e-9)
	assert.Empty(t, CheckCapacity(m, rates, 1e-9))
}

func TestBarrierAwareRatesZeroVolume(t *testing.T) {
	m := mustModel(t,
		[]FlowRecord{
			{ID: "0", Collective: 0, Links: []int{0}, Volume: 0},
			{ID: "0", Collective: 1, Links: []int{0}, Volume: 30},
		},
		[]LinkRecord{{ID: 0, Capacity: 60}})
	rates, rounds := BarrierAwareRates(m)
	assert.Equal(t, 1, rounds)
	assert.Equal(t, 0.0, rates[0][0])
	assert.InDelta(t, 60, rates[1][0], 1e-9)
	assert.Equal(t, 0.0, GroupCompletionTime(0, 0))
}

func TestHeuristicsHonourCapacity(t *testing.T) {
	for seed := 0; seed < 8; seed++ {
		spec := WorkloadSpec{
			Name: "heuristics-" + strconv.Itoa(seed), Links: 6, Collectives: 4, Groups: 3, FlowsPerGroup: 3,
			MinCapacity: 5, MaxCapacity: 100, MinVolume: 1, MaxVolume: 80, MaxPathLen: 4,
		}
		flows, links, err := GenerateWorkload(spec)
		require.NoError(t, err)
		m := mustModel(t, flows, links)

		for _, name := range []string{StrategyAverage, StrategyDataAware, StrategyBarrierAware} {
			a, err := NewAllocator(name)
			require.NoError(t, err)
			alloc, err := a.Allocate(context.Background(), m, testParams())
			require.NoError(t, err)
			assert.Empty(t, CheckCapacity(m, alloc.Rates, 1e-9), "%s on %s", name, spec.Name)
			assert.Equal(t, AverageCompletionTime(m, alloc.Rates), alloc.AvgCompletion)
		}

		_, rounds := BarrierAwareRates(m)
		assert.LessOrEqual(t, rounds, m.TotalGroups())
	}
}
