package stellar

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestScheduler(t *testing.T, params *Params, opts ...SchedulerOption) (*Scheduler, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := NewScheduler(params, append([]SchedulerOption{WithMetrics(metrics)}, opts...)...)
	require.NoError(t, err)
	return s, metrics
}

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultParams(), s.Params())

	params := DefaultParams()
	params.T = 0
	_, err = NewScheduler(params)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestSchedulerAllocate(t *testing.T) {
	params := testParams()
	params.Strategy = StrategyAverage
	core, logs := observer.New(zap.InfoLevel)
	s, metrics := newTestScheduler(t, params, WithLogger(zap.New(core)))

	m := sharedLinkModel(t, 100, 100, 50)
	alloc, err := s.Allocate(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, StrategyAverage, alloc.Strategy)
	assert.InDelta(t, 1.5, alloc.AvgCompletion, 1e-12)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyAverage, OutcomeSuccess)))
	assert.Equal(t, 1.5, testutil.ToFloat64(metrics.avgCompletion.WithLabelValues(StrategyAverage)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.solveDuration))
	assert.Equal(t, 1, logs.FilterMessage("allocation complete").Len())
}

func TestSchedulerAllocateOutcomes(t *testing.T) {
	m := sharedLinkModel(t, 100, 100, 50)

	params := testParams()
	params.Strategy = StrategyFlowChunk
	s, metrics := newTestScheduler(t, params)
	_, err := s.Allocate(context.Background(), m)
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyFlowChunk, OutcomeRejected)))

	params = testParams()
	params.Strategy = StrategyStellarLP
	s, metrics = newTestScheduler(t, params)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Allocate(ctx, m)
	assert.ErrorIs(t, err, ErrSolverTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyStellarLP, OutcomeTimeout)))

	_, err = s.Allocate(context.Background(), sharedLinkModel(t, 100, 500))
	assert.ErrorIs(t, err, ErrInfeasibleModel)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyStellarLP, OutcomeInfeasible)))
}

func TestSchedulerAllocateHonoursSolverTimeout(t *testing.T) {
	stallSimplex(t)
	params := testParams()
	params.Strategy = StrategyStellarLP
	params.SolverTimeout = 50 * time.Millisecond
	s, metrics := newTestScheduler(t, params)

	start := time.Now()
	_, err := s.Allocate(context.Background(), sharedLinkModel(t, 100, 100, 50))
	assert.ErrorIs(t, err, ErrSolverTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyStellarLP, OutcomeTimeout)))
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{fmt.Errorf("wrapped: %w", ErrSolverTimeout), OutcomeTimeout},
		{context.DeadlineExceeded, OutcomeTimeout},
		{ErrInfeasibleModel, OutcomeInfeasible},
		{&DuplicateIDError{Kind: "flow", ID: "x"}, OutcomeRejected},
		{ErrResourceExhaustion, OutcomeRejected},
		{ErrSolver, OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcomeOf(tt.err), "%v", tt.err)
	}
}

func TestSchedulerScheduleChunks(t *testing.T) {
	tm := CreateTraceManager("chunks", true)
	s, metrics := newTestScheduler(t, testParams(), WithTrace(tm))

	cs, err := s.ScheduleChunks(context.Background(), chainModel(t))
	require.NoError(t, err)
	assert.InDelta(t, 6.0, cs.Objective, 1e-9)
	assert.Len(t, tm.Traces[0], 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations.WithLabelValues(StrategyFlowChunk, OutcomeSuccess)))
	assert.Greater(t, testutil.ToFloat64(metrics.branchNodes.WithLabelValues(StageChunk)), 0.0)
}

func TestSchedulerRun(t *testing.T) {
	for _, strategy := range []string{StrategyAverage, StrategyStellarLP, StrategyStellarSearch} {
		t.Run(strategy, func(t *testing.T) {
			desc, err := ReadFlowSetDesc("example.json", false, []byte(legacyFlowSet))
			require.NoError(t, err)

			params := testParams()
			params.Strategy = strategy
			params.ModelPath = t.TempDir()
			tm := CreateTraceManager("run", true)
			s, _ := newTestScheduler(t, params, WithTrace(tm))

			res, err := s.Run(context.Background(), desc)
			require.NoError(t, err)
			require.NotNil(t, res.Allocation)
			require.NotNil(t, res.Replay)
			assert.InDelta(t, res.Allocation.AvgCompletion, res.Replay.AvgCompletion, 1e-4)
			assert.Empty(t, CheckCapacity(res.Model, res.Allocation.Rates, 1e-4))

			dir := params.ModelPath
			assert.Contains(t, res.Files, filepath.Join(dir, "solutions.json"))
			assert.Contains(t, res.Files, filepath.Join(dir, "time_cost.json"))
			assert.Contains(t, res.Files, filepath.Join(dir, "Optimized-example.json"))
			assert.Contains(t, res.Files, filepath.Join(dir, "trace.yaml"))
			if strategy == StrategyAverage {
				assert.NotContains(t, res.Files, filepath.Join(dir, "priority.json"))
			} else {
				assert.Contains(t, res.Files, filepath.Join(dir, "priority.json"))
				assert.Contains(t, res.Files, filepath.Join(dir, "ablation.json"))
			}

			out, err := ReadFlowSetDesc(filepath.Join(dir, "Optimized-example.json"), false, nil)
			require.NoError(t, err)
			for _, fd := range out.Flows {
				gi, _ := res.Model.IndexOf(GroupKey{Collective: fd.Collective, Group: fd.Group})
				assert.Positive(t, fd.BPS)
				assert.InDelta(t, res.Allocation.Rates[gi.K][gi.N]*DefaultUnitDivisor, float64(fd.BPS), 0.5)
			}
		})
	}
}

func TestSchedulerRunFlowChunk(t *testing.T) {
	desc, err := ReadFlowSetDesc("example.json", false, []byte(legacyFlowSet))
	require.NoError(t, err)

	params := testParams()
	params.Strategy = StrategyFlowChunk
	params.ModelPath = t.TempDir()
	s, _ := newTestScheduler(t, params)

	res, err := s.Run(context.Background(), desc)
	require.NoError(t, err)
	require.NotNil(t, res.Chunks)
	assert.Nil(t, res.Allocation)
	assert.Equal(t, []string{
		filepath.Join(params.ModelPath, "flow_chunk.json"),
		filepath.Join(params.ModelPath, "schedule.json"),
	}, res.Files)

	// all three flows share link 0 and need one slot each; flow 2 follows flow 1
	assert.InDelta(t, (3.0+1.0)/2, res.Chunks.Objective, 1e-9)
}

func TestSchedulerRunStarvedGroup(t *testing.T) {
	// link 0 goes first and hands all of link 1 to A, leaving B nothing
	desc := CreateFlowSetDesc("starved")
	desc.AddLink(0, 10)
	desc.AddLink(1, 10)
	desc.AddFlow(FlowDesc{ID: "a", Collective: 0, Links: []int{0, 1}, Total: 20, Dependencies: []FlowRef{}})
	desc.AddFlow(FlowDesc{ID: "b", Collective: 1, Links: []int{1}, Total: 20, Dependencies: []FlowRef{}})

	params := testParams()
	params.Strategy = StrategyAverage
	params.UnitDivisor = 1
	params.ModelPath = t.TempDir()
	s, _ := newTestScheduler(t, params)

	res, err := s.Run(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, math.IsInf(res.Allocation.AvgCompletion, 1))
	assert.Equal(t, 0.0, res.Allocation.Rates[1][0])

	data, err := os.ReadFile(filepath.Join(params.ModelPath, "solutions.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"objective": null`)
	var solutions []RateSolution
	require.NoError(t, json.Unmarshal(data, &solutions))
	require.Len(t, solutions, 1)
	assert.True(t, math.IsInf(solutions[0].Objective, 1))
	assert.Equal(t, res.Allocation.Rates, solutions[0].Rates)

	out, err := ReadFlowSetDesc(filepath.Join(params.ModelPath, "Optimized-starved.json"), false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.Flows[0].BPS)
	assert.Equal(t, int64(0), out.Flows[1].BPS)
}

func TestSchedulerRunWritesTimeCostInSeconds(t *testing.T) {
	desc, err := ReadFlowSetDesc("example.json", false, []byte(legacyFlowSet))
	require.NoError(t, err)
	params := testParams()
	params.Strategy = StrategyStellarLP
	params.ModelPath = t.TempDir()
	s, _ := newTestScheduler(t, params)

	res, err := s.Run(context.Background(), desc)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(params.ModelPath, "time_cost.json"))
	require.NoError(t, err)
	var written struct {
		TimeCost map[string]float64 `json:"time_cost"`
	}
	require.NoError(t, json.Unmarshal(data, &written))
	tc := res.Allocation.TimeCost
	assert.Equal(t, map[string]float64{
		"OP-Time": tc.OP.Seconds(),
		"OR-Time": tc.OR.Seconds(),
		"total":   tc.Total.Seconds(),
	}, written.TimeCost)

	// the allocation marshals the same durations the same way
	whole, err := json.Marshal(res.Allocation)
	require.NoError(t, err)
	var alloc struct {
		TimeCost map[string]float64 `json:"time_cost"`
	}
	require.NoError(t, json.Unmarshal(whole, &alloc))
	assert.Equal(t, written.TimeCost, alloc.TimeCost)
}

func TestSchedulerRunRejectsBadInput(t *testing.T) {
	desc := CreateFlowSetDesc("cyclic")
	desc.AddLink(0, 100)
	desc.AddFlow(FlowDesc{ID: "a", Links: []int{0}, Total: 10, Dependencies: []FlowRef{"b"}})
	desc.AddFlow(FlowDesc{ID: "b", Links: []int{0}, Total: 10, Dependencies: []FlowRef{"a"}})

	params := testParams()
	params.ModelPath = t.TempDir()
	s, _ := newTestScheduler(t, params)
	_, err := s.Run(context.Background(), desc)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, logger, loggerFrom(context.Background()))
	l := zap.NewExample()
	assert.Same(t, l, loggerFrom(withLogger(context.Background(), l)))
	assert.Nil(t, metricsFrom(context.Background()))

	SetLogger(l)
	defer SetLogger(nil)
	assert.Same(t, l, loggerFrom(context.Background()))
}
