package stellar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainModel(t *testing.T) *Model {
	return mustModel(t,
		[]FlowRecord{
			{ID: "A", Links: []int{0}, Volume: 100},
			{ID: "B", Links: []int{0}, Volume: 100, Deps: []string{"A"}},
			{ID: "C", Links: []int{0}, Volume: 100, Deps: []string{"B"}},
		},
		[]LinkRecord{{ID: 0, Capacity: 50}})
}

func TestNumParts(t *testing.T) {
	m := mustModel(t,
		[]FlowRecord{
			{ID: "0", Links: []int{0, 1}, Volume: 100},
			{ID: "1", Links: []int{1}, Volume: 101},
			{ID: "2", Links: []int{1}, Volume: 0},
		},
		[]LinkRecord{{ID: 0, Capacity: 20}, {ID: 1, Capacity: 50}})

	assert.Equal(t, 20.0, BottleneckCapacity(m, 0))
	assert.Equal(t, 5, NumParts(m, 0))
	assert.Equal(t, 3, NumParts(m, 1))
	assert.Equal(t, 1, NumParts(m, 2))
}

func TestScheduleChunksChain(t *testing.T) {
	m := chainModel(t)
	cs, err := ScheduleChunks(context.Background(), m, testParams())
	require.NoError(t, err)
	require.NoError(t, cs.Validate(m))

	assert.True(t, cs.Optimal)
	assert.Equal(t, []int{1, 2}, cs.Flows[0].Slots)
	assert.Equal(t, []int{3, 4}, cs.Flows[1].Slots)
	assert.Equal(t, []int{5, 6}, cs.Flows[2].Slots)
	assert.Equal(t, []float64{6}, cs.Makespans)
	assert.InDelta(t, 6.0, cs.Objective, 1e-9)
}

func TestScheduleChunksSharedLink(t *testing.T) {
	m := sharedLinkModel(t, 50, 50, 50)
	cs, err := ScheduleChunks(context.Background(), m, testParams())
	require.NoError(t, err)
	require.NoError(t, cs.Validate(m))

	// one collective goes first, the other waits a slot
	assert.ElementsMatch(t, []float64{1, 2}, cs.Makespans)
	assert.InDelta(t, 1.5, cs.Objective, 1e-9)
}

func TestScheduleChunksDisjointLinksRunTogether(t *testing.T) {
	m := mustModel(t,
		[]FlowRecord{
			{ID: "0", Collective: 0, Links: []int{0}, Volume: 30},
			{ID: "0", Collective: 1, Links: []int{1}, Volume: 30},
		},
		[]LinkRecord{{ID: 0, Capacity: 10}, {ID: 1, Capacity: 10}})
	cs, err := ScheduleChunks(context.Background(), m, testParams())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3}, cs.Makespans)
	assert.InDelta(t, 3.0, cs.Objective, 1e-9)
}

func TestChunkScheduleValidate(t *testing.T) {
	m := chainModel(t)
	good := &ChunkSchedule{Flows: []ChunkedFlow{
		{UID: "0-0-A", Parts: 2, Slots: []int{1, 2}},
		{UID: "0-0-B", Parts: 2, Slots: []int{3, 4}},
		{UID: "0-0-C", Parts: 2, Slots: []int{5, 6}},
	}}
	require.NoError(t, good.Validate(m))

	tests := []struct {
		name  string
		flows []ChunkedFlow
	}{
		{"gap between parts", []ChunkedFlow{
			{UID: "0-0-A", Slots: []int{1, 3}}, {UID: "0-0-B", Slots: []int{4, 5}}, {UID: "0-0-C", Slots: []int{6, 7}}}},
		{"starts at zero", []ChunkedFlow{
			{UID: "0-0-A", Slots: []int{0, 1}}, {UID: "0-0-B", Slots: []int{3, 4}}, {UID: "0-0-C", Slots: []int{5, 6}}}},
		{"dependency broken", []ChunkedFlow{
			{UID: "0-0-A", Slots: []int{3, 4}}, {UID: "0-0-B", Slots: []int{1, 2}}, {UID: "0-0-C", Slots: []int{5, 6}}}},
		{"overlap", []ChunkedFlow{
			{UID: "0-0-A", Slots: []int{1, 2}}, {UID: "0-0-B", Slots: []int{3, 4}}, {UID: "0-0-C", Slots: []int{4, 5}}}},
		{"wrong flow", []ChunkedFlow{
			{UID: "0-0-A", Slots: []int{1, 2}}, {UID: "0-0-C", Slots: []int{3, 4}}, {UID: "0-0-B", Slots: []int{5, 6}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := &ChunkSchedule{Flows: tt.flows}
			assert.Error(t, cs.Validate(m))
		})
	}
}
