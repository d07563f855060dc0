package stellar

// allocator.go puts the heuristics and the two-stage optimizer behind one Allocator
// interface, selected by strategy name, and holds the completion-time metric and the capacity
// check every allocation is judged by.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// strategy names, as used in configuration files and on the command line
const (
	StrategyAverage       = "average"
	StrategyDataAware     = "data-aware"
	StrategyBarrierAware  = "barrier-aware"
	StrategyStellarSearch = "stellar-search"
	StrategyStellarLP     = "stellar-lp"

	// StrategyFlowChunk runs the chunk scheduler instead of an Allocator
	StrategyFlowChunk = "flow-chunk"
)

// Strategies lists every strategy NewAllocator accepts
var Strategies = []string{StrategyAverage, StrategyDataAware, StrategyBarrierAware,
	StrategyStellarSearch, StrategyStellarLP}

func isStrategy(name string) bool {
	return slices.Contains(Strategies, name)
}

// TimeCost records the wall-clock time spent per stage.  It is written in seconds
type TimeCost struct {
	OP    time.Duration
	OR    time.Duration
	Total time.Duration
}

func (tc TimeCost) seconds() map[string]float64 {
	return map[string]float64{
		"OP-Time": tc.OP.Seconds(),
		"OR-Time": tc.OR.Seconds(),
		"total":   tc.Total.Seconds(),
	}
}

func (tc TimeCost) MarshalJSON() ([]byte, error) {
	return json.Marshal(tc.seconds())
}

func (tc TimeCost) MarshalYAML() (any, error) {
	return tc.seconds(), nil
}

// finiteOrNil maps a completion time that never ends onto a json null
func finiteOrNil(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// Allocation is the rate assignment an Allocator produces, a structure separate from the
// model it was computed from
type Allocation struct {
	Strategy string `json:"strategy" yaml:"strategy"`

	// Rates holds one rate per group, [collective][group]
	Rates [][]float64 `json:"rates" yaml:"rates"`

	// AvgCompletion is the mean over collectives of the collective completion time
	AvgCompletion float64 `json:"avg_completion" yaml:"avg_completion"`

	// Solutions ranks every assignment found, ascending by objective
	Solutions []RateSolution `json:"solutions" yaml:"solutions"`

	// Priority is the first-stage result, two-stage strategies only
	Priority *Priority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Ablation evaluates the first-stage estimate R0 on its own, two-stage strategies only
	Ablation *RateSolution `json:"ablation,omitempty" yaml:"ablation,omitempty"`

	// Iterations counts heuristic rounds or cutting-plane rounds
	Iterations int `json:"iterations" yaml:"iterations"`

	TimeCost TimeCost `json:"time_cost" yaml:"time_cost"`
}

// MarshalJSON writes an average completion time that never ends as null
func (a Allocation) MarshalJSON() ([]byte, error) {
	type plain Allocation
	return json.Marshal(struct {
		plain
		AvgCompletion *float64 `json:"avg_completion"`
	}{plain: plain(a), AvgCompletion: finiteOrNil(a.AvgCompletion)})
}

// Allocator computes a per-group rate assignment from the relation model
type Allocator interface {
	Strategy() string
	Allocate(ctx context.Context, m *Model, params *Params) (*Allocation, error)
}

// NewAllocator returns the Allocator implementing the named strategy
func NewAllocator(strategy string) (Allocator, error) {
	switch strategy {
	case StrategyAverage:
		return &heuristicAllocator{name: strategy, rates: func(m *Model) ([][]float64, int) {
			return AverageRates(m), m.NumLinks()
		}}, nil
	case StrategyDataAware:
		return &heuristicAllocator{name: strategy, rates: func(m *Model) ([][]float64, int) {
			return DataAwareRates(m), m.NumLinks()
		}}, nil
	case StrategyBarrierAware:
		return &heuristicAllocator{name: strategy, rates: BarrierAwareRates}, nil
	case StrategyStellarSearch:
		return &stellarAllocator{name: strategy, stage2: SearchRates}, nil
	case StrategyStellarLP:
		return &stellarAllocator{name: strategy, stage2: OptimizeRatesLP}, nil
	}
	return nil, inputErrorf("strategy", "unknown strategy %q, expected one of %v", strategy, Strategies)
}

// heuristicAllocator wraps a heuristic, repairing any capacity overshoot it leaves
type heuristicAllocator struct {
	name  string
	rates func(m *Model) ([][]float64, int)
}

func (ha *heuristicAllocator) Strategy() string { return ha.name }

func (ha *heuristicAllocator) Allocate(ctx context.Context, m *Model, params *Params) (*Allocation, error) {
	logger := loggerFrom(ctx)
	start := time.Now()

	raw, iterations := ha.rates(m)
	rates := RepairCapacity(m, raw)
	avg := AverageCompletionTime(m, rates)

	alloc := &Allocation{
		Strategy:      ha.name,
		Rates:         rates,
		AvgCompletion: avg,
		Solutions:     []RateSolution{{Rates: rates, Objective: avg}},
		Iterations:    iterations,
	}
	alloc.TimeCost.OR = time.Since(start)
	alloc.TimeCost.Total = alloc.TimeCost.OR

	logger.Info("heuristic allocation", zap.String("strategy", ha.name),
		zap.Float64("objective", avg), zap.Int("iterations", iterations))
	return alloc, nil
}

// stellarAllocator runs the completion-time stage followed by one of the rate stages
type stellarAllocator struct {
	name   string
	stage2 func(ctx context.Context, m *Model, pr *Priority, params *Params) (*RateResult, error)
}

func (sa *stellarAllocator) Strategy() string { return sa.name }

func (sa *stellarAllocator) Allocate(ctx context.Context, m *Model, params *Params) (*Allocation, error) {
	pr, err := OptimizeCompletionTimes(ctx, m, params)
	if err != nil {
		return nil, err
	}
	rr, err := sa.stage2(ctx, m, pr, params)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{
		Strategy:      sa.name,
		Rates:         rr.Best.Rates,
		AvgCompletion: rr.Best.Objective,
		Solutions:     rr.Solutions,
		Priority:      pr,
		Ablation:      &rr.Ablation,
		Iterations:    rr.Rounds,
	}
	alloc.TimeCost.OP = pr.Elapsed
	alloc.TimeCost.OR = rr.Elapsed
	alloc.TimeCost.Total = pr.Elapsed + rr.Elapsed
	return alloc, nil
}

// GroupCompletionTime is D/r, 0 for a group without data and +Inf for one without rate
func GroupCompletionTime(volume, rate float64) float64 {
	if volume == 0 {
		return 0
	}
	if rate <= 0 {
		return math.Inf(1)
	}
	return volume / rate
}

// CollectiveCompletionTimes returns, per collective, the completion time of its slowest group
func CollectiveCompletionTimes(m *Model, rates [][]float64) []float64 {
	times := make([]float64, m.NumCollectives())
	for _, gi := range m.GroupIndices() {
		t := GroupCompletionTime(m.GroupVolume(gi.K, gi.N), rates[gi.K][gi.N])
		times[gi.K] = math.Max(times[gi.K], t)
	}
	return times
}

// AverageCompletionTime is the mean collective completion time.  The values are summed in
// ascending order, so the result does not depend on how collectives or groups are numbered
func AverageCompletionTime(m *Model, rates [][]float64) float64 {
	return meanSorted(CollectiveCompletionTimes(m, rates))
}

func meanSorted(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	total := 0.0
	for _, v := range sorted {
		total += v
	}
	return total / float64(len(sorted))
}

// CapacityViolation describes a link carrying more than its capacity
type CapacityViolation struct {
	Link     int
	Capacity float64
	Load     float64
}

func (cv CapacityViolation) String() string {
	return fmt.Sprintf("link %d carries %g over capacity %g", cv.Link, cv.Load, cv.Capacity)
}

// CheckCapacity lists the links whose groups' summed rates exceed capacity by more than eps
func CheckCapacity(m *Model, rates [][]float64, eps float64) []CapacityViolation {
	violations := []CapacityViolation{}
	for e, link := range m.Links {
		load := 0.0
		for _, gi := range m.LinkGroups(e) {
			load += rates[gi.K][gi.N]
		}
		if load > link.Capacity+eps {
			violations = append(violations, CapacityViolation{Link: link.ID, Capacity: link.Capacity, Load: load})
		}
	}
	return violations
}
