package stellar

import (
	"math"
	"strconv"
	"testing"

	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaySharedLink(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	tm := CreateTraceManager("replay", true)
	require.NoError(t, tm.NameModel(m))

	res := Replay(m, [][]float64{{50}, {50}}, tm)
	assert.InDelta(t, 2.0, res.GroupFinish[0][0], 1e-4)
	assert.InDelta(t, 1.0, res.GroupFinish[1][0], 1e-4)
	assert.InDelta(t, 1.5, res.AvgCompletion, 1e-4)
	assert.Equal(t, 2, res.Events)

	assert.Len(t, tm.Traces[0], 2)
	assert.Len(t, tm.Traces[1], 2)
	assert.Equal(t, "flow", tm.Traces[0][0].TraceType)
	assert.Equal(t, NameType{Name: "1-0-0", Type: "flow"}, tm.NameByID[1])

	// the finish of collective 0 is stamped with the virtual time it happened at
	finish, err := strconv.ParseFloat(tm.Traces[0][1].TraceTime, 64)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, finish, 1e-4)
}

func TestAddTraceStampsTime(t *testing.T) {
	tm := CreateTraceManager("stamp", true)
	tm.AddTrace(vrtime.SecondsToTime(2.5), 3, TraceInst{TraceTime: "stale", TraceType: "flow"})
	require.Len(t, tm.Traces[3], 1)
	stamp, err := strconv.ParseFloat(tm.Traces[3][0].TraceTime, 64)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, stamp, 1e-4)

	var off *TraceManager
	off.AddTrace(vrtime.SecondsToTime(1), 0, TraceInst{})
}

func TestReplayFollowsSendOrder(t *testing.T) {
	m := chainModel(t)
	res := Replay(m, [][]float64{{50}}, nil)
	assert.InDelta(t, 6.0, res.GroupFinish[0][0], 1e-4)
	assert.Equal(t, 3, res.Events)
}

func TestReplayWithoutRate(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)
	res := Replay(m, [][]float64{{0}, {50}}, nil)
	assert.True(t, math.IsInf(res.GroupFinish[0][0], 1))
	assert.InDelta(t, 1.0, res.GroupFinish[1][0], 1e-4)
	assert.True(t, math.IsInf(res.AvgCompletion, 1))
	assert.Equal(t, 1, res.Events)
}

func TestReplayMatchesCompletionTimes(t *testing.T) {
	for seed := 0; seed < 4; seed++ {
		flows, links, err := GenerateWorkload(WorkloadSpec{
			Name: "replay-" + strconv.Itoa(seed), Links: 5, Collectives: 3, Groups: 2, FlowsPerGroup: 4,
			MinCapacity: 10, MaxCapacity: 40, MinVolume: 1, MaxVolume: 20,
		})
		require.NoError(t, err)
		m := mustModel(t, flows, links)

		rates, _ := BarrierAwareRates(m)
		res := Replay(m, rates, nil)
		want := CollectiveCompletionTimes(m, rates)
		for k := range want {
			assert.InDelta(t, want[k], res.CollectiveFinish[k], 1e-4*math.Max(1, want[k]))
		}
		assert.InDelta(t, AverageCompletionTime(m, rates), res.AvgCompletion, 1e-4*math.Max(1, res.AvgCompletion))
	}
}

func TestTraceScheduleAndWrite(t *testing.T) {
	m := chainModel(t)
	cs := &ChunkSchedule{Flows: []ChunkedFlow{
		{UID: "0-0-A", Parts: 2, Slots: []int{1, 2}},
		{UID: "0-0-B", Parts: 2, Slots: []int{3, 4}},
		{UID: "0-0-C", Parts: 2, Slots: []int{5, 6}},
	}}
	tm := CreateTraceManager("chunks", true)
	TraceSchedule(tm, m, cs)
	require.Len(t, tm.Traces[0], 6)
	assert.Equal(t, "chunk", tm.Traces[0][5].TraceType)
	slot, err := strconv.ParseFloat(tm.Traces[0][5].TraceTime, 64)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, slot, 1e-4)

	inactive := CreateTraceManager("off", false)
	TraceSchedule(inactive, m, cs)
	assert.Empty(t, inactive.Traces)
	assert.NoError(t, inactive.WriteToFile("never-written.yaml"))

	require.NoError(t, tm.AddName(0, "x", "flow"))
	assert.Error(t, tm.AddName(0, "y", "flow"))
	assert.NoError(t, tm.WriteToFile(t.TempDir()+"/trace.yaml"))
}
