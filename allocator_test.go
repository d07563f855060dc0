package stellar

import (
	"context"
	"math"
	"testing"

	"github.com/iti/rngstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shuffled returns a permutation of the records drawn from rng
func shuffled[T any](rng *rngstream.RngStream, recs []T) []T {
	out := append([]T(nil), recs...)
	for i := len(out) - 1; i > 0; i-- {
		j := drawInt(rng, i+1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func TestAverageCompletionTimeIgnoresRecordOrder(t *testing.T) {
	flows, links, err := GenerateWorkload(WorkloadSpec{
		Name: "record-order", Links: 3, Collectives: 2, Groups: 2, FlowsPerGroup: 2,
		MinCapacity: 40, MaxCapacity: 60, MinVolume: 5, MaxVolume: 20, MaxPathLen: 2,
	})
	require.NoError(t, err)
	// whole numbers keep every per-group sum exact in any order
	for i := range flows {
		flows[i].Volume = math.Round(flows[i].Volume)
	}
	for i := range links {
		links[i].Capacity = math.Round(links[i].Capacity)
	}

	rng := rngstream.New("record-order-shuffle")
	base := mustModel(t, flows, links)
	params := testParams()
	params.T = 6

	for _, strategy := range []string{StrategyAverage, StrategyDataAware, StrategyBarrierAware, StrategyStellarLP} {
		a, err := NewAllocator(strategy)
		require.NoError(t, err)
		want, err := a.Allocate(context.Background(), base, params)
		require.NoError(t, err, strategy)

		for round := 0; round < 3; round++ {
			m := mustModel(t, shuffled(rng, flows), shuffled(rng, links))
			got, err := a.Allocate(context.Background(), m, params)
			require.NoError(t, err, strategy)
			assert.InDelta(t, want.AvgCompletion, got.AvgCompletion, 1e-9, "%s round %d", strategy, round)
			assert.InDelta(t, AverageCompletionTime(base, want.Rates), AverageCompletionTime(m, got.Rates), 1e-9,
				"%s round %d", strategy, round)
		}
	}
}
