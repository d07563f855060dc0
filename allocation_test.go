package stellar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedLinkPriority fixes tau at 1 for the larger collective and 2 for the smaller
func sharedLinkPriority() *Priority {
	return &Priority{Tau: [][]float64{{1}, {2}}}
}

func TestInitialAndAdjustedRates(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	r0 := InitialRates(m, sharedLinkPriority().Tau)
	assert.Equal(t, [][]float64{{100}, {25}}, r0)

	adjusted := AdjustRates(m, r0)
	assert.InDelta(t, 80, adjusted[0][0], 1e-9)
	assert.InDelta(t, 20, adjusted[1][0], 1e-9)
	assert.Equal(t, [][]float64{{100}, {25}}, r0, "R0 is left alone")
}

func TestSearchRates(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	res, err := SearchRates(context.Background(), m, sharedLinkPriority(), testParams())
	require.NoError(t, err)

	assert.Equal(t, 100, res.Combinations)
	assert.InDelta(t, 1.5, res.Ablation.Objective, 1e-12)
	require.NotEmpty(t, res.Solutions)
	for i := 1; i < len(res.Solutions); i++ {
		assert.LessOrEqual(t, res.Solutions[i-1].Objective, res.Solutions[i].Objective)
	}
	for _, sol := range res.Solutions {
		assert.Empty(t, CheckCapacity(m, sol.Rates, 1e-4))
	}

	// the small collective gains more per unit of rate, so it takes the top of its band
	assert.InDelta(t, 79.6, res.Best.Rates[0][0], 1e-9)
	assert.InDelta(t, 20.4, res.Best.Rates[1][0], 1e-9)
	assert.InDelta(t, (100/79.6+50/20.4)/2, res.Best.Objective, 1e-9)
	assert.Equal(t, res.Solutions[0], res.Best)
}

func TestSearchRatesRefusesLargeInstances(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)

	params := testParams()
	params.MaxSearchGroups = 1
	_, err := SearchRates(context.Background(), m, sharedLinkPriority(), params)
	assert.ErrorIs(t, err, ErrResourceExhaustion)

	params = testParams()
	params.MaxSearchCombinations = 50
	_, err = SearchRates(context.Background(), m, sharedLinkPriority(), params)
	assert.ErrorIs(t, err, ErrResourceExhaustion)
}

func TestSearchRatesCancelled(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SearchRates(ctx, m, sharedLinkPriority(), testParams())
	assert.ErrorIs(t, err, ErrSolverTimeout)
}

func TestOptimizeRatesLP(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	res, err := OptimizeRatesLP(context.Background(), m, sharedLinkPriority(), testParams())
	require.NoError(t, err)

	// the small collective is capped at R0 + band = 25.5, the large one takes the rest
	assert.InDelta(t, 74.5, res.Best.Rates[0][0], 1e-4)
	assert.InDelta(t, 25.5, res.Best.Rates[1][0], 1e-4)
	assert.InDelta(t, (100/74.5+50/25.5)/2, res.Best.Objective, 1e-4)
	assert.InDelta(t, AverageCompletionTime(m, res.Best.Rates), res.Best.Objective, 1e-12)
	assert.Empty(t, CheckCapacity(m, res.Best.Rates, 1e-6))
	assert.GreaterOrEqual(t, res.Rounds, 1)
	assert.InDelta(t, 1.5, res.Ablation.Objective, 1e-12)
}

func TestOptimizeRatesLPOnWorkload(t *testing.T) {
	flows, links, err := GenerateWorkload(WorkloadSpec{
		Name: "rate-lp", Links: 5, Collectives: 3, Groups: 2, FlowsPerGroup: 2,
		MinCapacity: 20, MaxCapacity: 80, MinVolume: 5, MaxVolume: 40,
	})
	require.NoError(t, err)
	m := mustModel(t, flows, links)
	pr := &Priority{Tau: m.NewRates()}
	for _, gi := range m.GroupIndices() {
		pr.Tau[gi.K][gi.N] = float64(2 + gi.N + gi.K)
	}
	res, err := OptimizeRatesLP(context.Background(), m, pr, testParams())
	require.NoError(t, err)

	assert.Empty(t, CheckCapacity(m, res.Best.Rates, 1e-6))
	for _, gi := range m.GroupIndices() {
		assert.Greater(t, res.Best.Rates[gi.K][gi.N], 0.0)
	}
}
