package stellar

// stellar.go is the front door of the package.  A Scheduler carries a parameter set, a logger,
// metrics and an optional trace, runs the selected strategy under the configured solver timeout,
// and persists what a run produces under the parameter set's model path.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// logger is used where no context is at hand
var logger = zap.NewNop()

// SetLogger replaces the package logger, nil restores the no-op logger
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

type ctxKey int

const (
	loggerKey ctxKey = iota
	metricsKey
)

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFrom returns the logger carried by ctx, else the package logger
func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return logger
}

func withMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsKey, m)
}

// metricsFrom returns the metrics carried by ctx, possibly nil
func metricsFrom(ctx context.Context) *Metrics {
	m, _ := ctx.Value(metricsKey).(*Metrics)
	return m
}

// Scheduler runs allocations and chunk schedules with one parameter set
type Scheduler struct {
	params  *Params
	logger  *zap.Logger
	metrics *Metrics
	trace   *TraceManager
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger of the Scheduler
func WithLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the collectors the Scheduler reports to
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTrace sets the trace manager replays and chunk schedules are recorded on
func WithTrace(tm *TraceManager) SchedulerOption {
	return func(s *Scheduler) {
		s.trace = tm
	}
}

// NewScheduler validates a copy of params (the defaults when nil) and applies the options
func NewScheduler(params *Params, opts ...SchedulerOption) (*Scheduler, error) {
	if params == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{params: params.Clone(), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Params returns a copy of the Scheduler's parameter set
func (s *Scheduler) Params() *Params {
	return s.params.Clone()
}

// solverContext attaches the logger and metrics and applies the solver timeout
func (s *Scheduler) solverContext(ctx context.Context, strategy string) (context.Context, context.CancelFunc) {
	ctx = withLogger(ctx, s.logger.With(zap.String("strategy", strategy)))
	ctx = withMetrics(ctx, s.metrics)
	if s.params.SolverTimeout > 0 {
		return context.WithTimeout(ctx, s.params.SolverTimeout)
	}
	return context.WithCancel(ctx)
}

// outcomeOf maps an error onto its metric label
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrSolverTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrInfeasibleModel):
		return OutcomeInfeasible
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrResourceExhaustion):
		return OutcomeRejected
	}
	return OutcomeFailed
}

// capacityTolerance is the slack allowed on the most loaded link check
func (s *Scheduler) capacityTolerance(m *Model) float64 {
	largest := 0.0
	for _, link := range m.Links {
		largest = math.Max(largest, link.Capacity)
	}
	return capacityEps(largest, s.params.Tolerance)
}

// Allocate runs the configured strategy and checks the result against the link capacities
func (s *Scheduler) Allocate(ctx context.Context, m *Model) (*Allocation, error) {
	strategy := s.params.Strategy
	allocator, err := NewAllocator(strategy)
	if err != nil {
		s.metrics.countOutcome(strategy, OutcomeRejected)
		return nil, err
	}

	ctx, cancel := s.solverContext(ctx, strategy)
	defer cancel()

	start := time.Now()
	alloc, err := allocator.Allocate(ctx, m, s.params)
	s.metrics.observeSolve(strategy, time.Since(start))
	if err != nil {
		s.metrics.countOutcome(strategy, outcomeOf(err))
		s.logger.Error("allocation failed", zap.String("strategy", strategy), zap.Error(err))
		return nil, err
	}

	if violations := CheckCapacity(m, alloc.Rates, s.capacityTolerance(m)); len(violations) > 0 {
		s.metrics.countOutcome(strategy, OutcomeFailed)
		return nil, fmt.Errorf("%w: %s allocation violates capacity, %s", ErrSolver, strategy, violations[0])
	}

	s.metrics.countOutcome(strategy, OutcomeSuccess)
	s.metrics.setObjective(strategy, alloc.AvgCompletion)
	s.logger.Info("allocation complete", zap.String("strategy", strategy),
		zap.Float64("avg_completion", alloc.AvgCompletion), zap.Int("solutions", len(alloc.Solutions)),
		zap.Duration("time_cost", alloc.TimeCost.Total))
	return alloc, nil
}

// ScheduleChunks runs the chunk scheduler and checks the schedule it returns
func (s *Scheduler) ScheduleChunks(ctx context.Context, m *Model) (*ChunkSchedule, error) {
	ctx, cancel := s.solverContext(ctx, StrategyFlowChunk)
	defer cancel()

	start := time.Now()
	cs, err := ScheduleChunks(ctx, m, s.params)
	s.metrics.observeSolve(StrategyFlowChunk, time.Since(start))
	if err != nil {
		s.metrics.countOutcome(StrategyFlowChunk, outcomeOf(err))
		s.logger.Error("chunk scheduling failed", zap.Error(err))
		return nil, err
	}
	if err := cs.Validate(m); err != nil {
		s.metrics.countOutcome(StrategyFlowChunk, OutcomeFailed)
		return nil, fmt.Errorf("%w: chunk schedule: %v", ErrSolver, err)
	}
	s.metrics.countOutcome(StrategyFlowChunk, OutcomeSuccess)
	s.metrics.setObjective(StrategyFlowChunk, cs.Objective)
	TraceSchedule(s.trace, m, cs)
	return cs, nil
}

// RunResult gathers everything one Run produced
type RunResult struct {
	Model      *Model
	Allocation *Allocation    // nil for the flow-chunk strategy
	Chunks     *ChunkSchedule // flow-chunk strategy only
	Replay     *ReplayResult  // nil for the flow-chunk strategy
	Output     *FlowSetDesc   // the augmented flow set, nil for the flow-chunk strategy

	// Files lists what was written under the model path
	Files []string
}

// Run builds the model from desc, runs the configured strategy and writes the results
// into the model path.  Rate strategies produce solutions, time_cost and the augmented flow
// set, the two-stage strategies add priority and ablation, and the flow-chunk strategy writes
// flow_chunk (objective and time cost) and the per-part schedule
func (s *Scheduler) Run(ctx context.Context, desc *FlowSetDesc) (*RunResult, error) {
	flowRecs, linkRecs, err := desc.Records(s.params.UnitDivisor)
	if err != nil {
		return nil, err
	}
	m, err := BuildModel(flowRecs, linkRecs)
	if err != nil {
		return nil, fmt.Errorf("flow set %s: %w", desc.Name, err)
	}
	if err := s.trace.NameModel(m); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.params.ModelPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", s.params.ModelPath, err)
	}
	s.logger.Info("run started", zap.String("flow_set", desc.Name), zap.String("strategy", s.params.Strategy),
		zap.Int("flows", m.NumFlows()), zap.Int("links", m.NumLinks()),
		zap.Int("collectives", m.NumCollectives()), zap.Int("groups", m.TotalGroups()))

	res := &RunResult{Model: m}
	if s.params.Strategy == StrategyFlowChunk {
		res.Chunks, err = s.ScheduleChunks(ctx, m)
		if err != nil {
			return nil, err
		}
		summary := map[string]any{"objective": res.Chunks.Objective, "time_cost": res.Chunks.TimeCost.Seconds()}
		if err := s.persist(res, "flow_chunk.json", summary); err != nil {
			return nil, err
		}
		if err := s.persist(res, "schedule.json", res.Chunks); err != nil {
			return nil, err
		}
		return res, s.writeTrace(res)
	}

	res.Allocation, err = s.Allocate(ctx, m)
	if err != nil {
		return nil, err
	}
	res.Replay = Replay(m, res.Allocation.Rates, s.trace)
	if !math.IsInf(res.Allocation.AvgCompletion, 1) &&
		math.Abs(res.Replay.AvgCompletion-res.Allocation.AvgCompletion) > 1e-6*math.Max(1, res.Allocation.AvgCompletion) {
		s.logger.Warn("replay disagrees with the analytical completion time",
			zap.Float64("replay", res.Replay.AvgCompletion), zap.Float64("analytical", res.Allocation.AvgCompletion))
	}

	if err := s.persist(res, "solutions.json", res.Allocation.Solutions); err != nil {
		return nil, err
	}
	if res.Allocation.Priority != nil {
		if err := s.persist(res, "priority.json", res.Allocation.Priority); err != nil {
			return nil, err
		}
	}
	if res.Allocation.Ablation != nil {
		if err := s.persist(res, "ablation.json", res.Allocation.Ablation); err != nil {
			return nil, err
		}
	}
	if err := s.persist(res, "time_cost.json", map[string]any{"time_cost": res.Allocation.TimeCost}); err != nil {
		return nil, err
	}

	res.Output, err = desc.Augment(m, res.Allocation.Rates, s.params.UnitDivisor)
	if err != nil {
		return nil, err
	}
	outName := filepath.Join(s.params.ModelPath, res.Output.Name+".json")
	if err := res.Output.WriteToFile(outName); err != nil {
		return nil, err
	}
	res.Files = append(res.Files, outName)
	s.logger.Info("optimized flow set saved", zap.String("file", outName))

	return res, s.writeTrace(res)
}

// persist writes obj under the model path and records the file
func (s *Scheduler) persist(res *RunResult, name string, obj any) error {
	filename := filepath.Join(s.params.ModelPath, name)
	if err := writeSerialized(filename, obj); err != nil {
		return err
	}
	res.Files = append(res.Files, filename)
	return nil
}

func (s *Scheduler) writeTrace(res *RunResult) error {
	if !s.trace.Active() {
		return nil
	}
	return s.persist(res, "trace.yaml", *s.trace)
}
