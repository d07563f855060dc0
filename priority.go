package stellar

// priority.go holds the first optimization stage.  It cuts the horizon [0, T) into intervals
// and lets a mixed-binary program pick, for every group, the interval by whose end the group
// has fully transmitted.  Per (group, interval) there are three binaries: c marks the chosen
// interval, and the pair (lambda0, lambda1) with lambda1 = c and lambda0 + lambda1 = 1 carries
// the objective weight.  Choosing the interval at position l costs W^l, so groups are pushed
// into the earliest intervals the links allow.  On unit intervals l is the interval's start; on
// segmented horizons the position keeps the same order without the weights growing with base^l.  The load rows say that, for every boundary l
// and every link carrying data, what the groups finished by the end of interval l send across
// the link fits into capacity times that end.

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Interval is the half-open time interval [Lo, Hi)
type Interval struct {
	Lo float64 `json:"lo" yaml:"lo"`
	Hi float64 `json:"hi" yaml:"hi"`
}

// Priority is what the first stage hands the second
type Priority struct {
	Intervals []Interval `json:"intervals" yaml:"intervals"`

	// Chosen holds the index of the interval picked for every group, [collective][group]
	Chosen [][]int `json:"chosen" yaml:"chosen"`

	// Tau holds the end of the chosen interval of every group, [collective][group]
	Tau [][]float64 `json:"tau" yaml:"tau"`

	Objective float64       `json:"objective" yaml:"objective"`
	Optimal   bool          `json:"optimal" yaml:"optimal"`
	Nodes     int           `json:"nodes" yaml:"nodes"`
	Elapsed   time.Duration `json:"-" yaml:"-"` // reported as OP-Time
}

// BuildIntervals returns the time intervals of the first stage: [t, t+1) for t < T, or, for
// segmented horizons, [0, 1) followed by [base^(i-1), base^i) for i = 1 .. floor(log_base T) + 1
func BuildIntervals(params *Params) []Interval {
	if !params.IsSegment {
		intervals := make([]Interval, 0, params.T)
		for t := 0; t < params.T; t++ {
			intervals = append(intervals, Interval{Lo: float64(t), Hi: float64(t + 1)})
		}
		return intervals
	}

	base := params.SegmentBase
	num := int(math.Floor(math.Log(float64(params.T))/math.Log(base)+1e-9)) + 1
	intervals := []Interval{{Lo: 0, Hi: 1}}
	for i := 1; i <= num; i++ {
		intervals = append(intervals, Interval{Lo: math.Pow(base, float64(i-1)), Hi: math.Pow(base, float64(i))})
	}
	return intervals
}

// priorityWeight is the base of the interval weights.  With a single group the base would be 1
// and every interval would cost the same, so it is held at 2 or more
func priorityWeight(m *Model) float64 {
	return math.Max(float64(m.TotalGroups()), 2)
}

// maxPriorityWeight bounds the weight of the last interval.  Past it the small weights drop
// below the simplex tolerance relative to the large ones and a relaxation may not terminate
const maxPriorityWeight = 1e15

// checkPriorityWeights rejects a horizon whose last interval weight is not representable
func checkPriorityWeights(m *Model, intervals []Interval) error {
	W := priorityWeight(m)
	last := math.Pow(W, float64(len(intervals)-1))
	if math.IsInf(last, 0) || last > maxPriorityWeight {
		return inputErrorf("T", "%d intervals with %d groups weigh the last interval %g, above %g; "+
			"shorten the horizon or segment it", len(intervals), m.TotalGroups(), last, maxPriorityWeight)
	}
	return nil
}

// stage1Vars indexes the binaries of one (group, interval)
type stage1Vars struct {
	c, lambda0, lambda1 int
}

// buildPriorityProgram writes the first-stage program.  vars is indexed [group][interval]
// with groups in GroupIndices order
func buildPriorityProgram(m *Model, intervals []Interval) (*lpProgram, [][]stage1Vars) {
	p := newProgram("completion-time")
	K := float64(m.NumCollectives())
	W := priorityWeight(m)
	gis := m.GroupIndices()

	vars := make([][]stage1Vars, len(gis))
	for g, gi := range gis {
		vars[g] = make([]stage1Vars, len(intervals))
		for l := range intervals {
			tag := fmt.Sprintf("[%d,%d,%d]", gi.K, gi.N, l)
			sv := stage1Vars{
				c:       p.addBinary("C"+tag, 0),
				lambda0: p.addBinary("Lambda0"+tag, 1/K),
				lambda1: p.addBinary("Lambda1"+tag, math.Pow(W, float64(l))/K),
			}
			p.addRow("c_lambda1"+tag, senseEQ, 0, lpTerm{sv.c, 1}, lpTerm{sv.lambda1, -1})
			p.addRow("lambda_pair"+tag, senseEQ, 1, lpTerm{sv.lambda0, 1}, lpTerm{sv.lambda1, 1})
			vars[g][l] = sv
		}

		terms := make([]lpTerm, 0, len(intervals))
		for l := range intervals {
			terms = append(terms, lpTerm{vars[g][l].c, 1})
		}
		p.addRow(fmt.Sprintf("single_completion[%d,%d]", gi.K, gi.N), senseEQ, 1, terms...)
	}

	// the data every group sends across every link
	data := make([][]float64, len(gis))
	for g, gi := range gis {
		data[g] = make([]float64, m.NumLinks())
		for e := range m.Links {
			data[g][e] = m.GroupLinkData(gi.K, gi.N, e)
		}
	}

	for l, iv := range intervals {
		for e, link := range m.Links {
			terms := []lpTerm{}
			for g := range gis {
				if data[g][e] == 0 {
					continue
				}
				for u := 0; u <= l; u++ {
					terms = append(terms, lpTerm{vars[g][u].c, data[g][e]})
				}
			}
			if len(terms) == 0 {
				continue
			}
			p.addRow(fmt.Sprintf("load[%d,%d]", l, link.ID), senseLE, iv.Hi*link.Capacity, terms...)
		}
	}
	return p, vars
}

// OptimizeCompletionTimes runs the first stage.  An infeasible program, for instance a link
// whose load does not fit even into the whole horizon, is reported as ErrInfeasibleModel and
// is not retried
func OptimizeCompletionTimes(ctx context.Context, m *Model, params *Params) (*Priority, error) {
	logger := loggerFrom(ctx)
	start := time.Now()

	intervals := BuildIntervals(params)
	if err := checkPriorityWeights(m, intervals); err != nil {
		return nil, err
	}
	p, vars := buildPriorityProgram(m, intervals)
	logger.Info("optimizing completion times",
		zap.Int("collectives", m.NumCollectives()), zap.Int("groups", m.TotalGroups()),
		zap.Int("links", m.NumLinks()), zap.Int("intervals", len(intervals)),
		zap.Int("variables", p.numVars()), zap.Int("rows", p.numRows()))

	sol, err := p.solveMILP(ctx, milpOptions{
		maxNodes: params.MaxBranchNodes,
		logger:   logger,
		metrics:  metricsFrom(ctx),
		stage:    StageCompletionTime,
	})
	if err != nil {
		return nil, fmt.Errorf("completion-time optimization: %w", err)
	}

	pr := &Priority{
		Intervals: intervals,
		Chosen:    make([][]int, m.NumCollectives()),
		Tau:       m.NewRates(),
		Objective: sol.Objective,
		Optimal:   sol.Optimal,
		Nodes:     sol.Nodes,
	}
	for k := range m.Collectives {
		pr.Chosen[k] = make([]int, m.NumGroups(k))
	}
	for g, gi := range m.GroupIndices() {
		best := 0
		for l := range intervals {
			if sol.X[vars[g][l].c] > sol.X[vars[g][best].c] {
				best = l
			}
		}
		pr.Chosen[gi.K][gi.N] = best
		pr.Tau[gi.K][gi.N] = intervals[best].Hi
	}
	pr.Elapsed = time.Since(start)

	logger.Info("completion times optimized", zap.Float64("objective", pr.Objective),
		zap.Int("nodes", pr.Nodes), zap.Duration("elapsed", pr.Elapsed))
	logger.Debug("chosen intervals", zap.Any("tau", pr.Tau))
	return pr, nil
}
