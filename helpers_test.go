package stellar

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func mustModel(t *testing.T, flows []FlowRecord, links []LinkRecord) *Model {
	t.Helper()
	m, err := BuildModel(flows, links)
	require.NoError(t, err)
	return m
}

// mixedModel has two collectives over three links
//
//	(0,0) flow 1 on links 1,2 volume 10
//	(0,1) flow 1 on link 2 volume 20
//	(1,0) flow 1 on links 3,1 volume 5, flow 2 on link 3 volume 7 after flow 1
func mixedModel(t *testing.T) *Model {
	return mustModel(t,
		[]FlowRecord{
			{ID: "1", Collective: 1, Group: 0, Links: []int{3, 1}, Volume: 5},
			{ID: "2", Collective: 1, Group: 0, Links: []int{3}, Volume: 7, Deps: []string{"1"}},
			{ID: "1", Collective: 0, Group: 1, Links: []int{2}, Volume: 20},
			{ID: "1", Collective: 0, Group: 0, Links: []int{1, 2}, Volume: 10},
		},
		[]LinkRecord{{ID: 3, Capacity: 80}, {ID: 1, Capacity: 100}, {ID: 2, Capacity: 50}})
}

// sharedLinkModel puts one single-flow collective of each given volume on one link
func sharedLinkModel(t *testing.T, capacity float64, volumes ...float64) *Model {
	flows := make([]FlowRecord, len(volumes))
	for k, v := range volumes {
		flows[k] = FlowRecord{ID: "0", Collective: k, Group: 0, Links: []int{0}, Volume: v}
	}
	return mustModel(t, flows, []LinkRecord{{ID: 0, Capacity: capacity}})
}

func testParams() *Params {
	params := DefaultParams()
	params.T = 4
	params.SolverTimeout = 0
	return params
}

// stallSimplex makes every simplex call wait until the test ends, so a relaxation outlasts
// any deadline the test sets
func stallSimplex(t *testing.T) {
	t.Helper()
	release := make(chan struct{})
	solve := simplexFunc
	simplexFunc = func(c []float64, A mat.Matrix, b []float64, tol float64, basic []int) (float64, []float64, error) {
		<-release
		return solve(c, A, b, tol, basic)
	}
	t.Cleanup(func() {
		simplexFunc = solve
		close(release)
	})
}
