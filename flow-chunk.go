package stellar

// flow-chunk.go schedules flows at part granularity.  A flow is cut into as many parts as it
// takes time units to push its data through the narrowest link of its path, and every part gets
// an integer completion slot.  The parts of a flow occupy consecutive slots, a flow starts only
// after the flow ahead of it in its group's send order has finished, and two flows sharing a link
// never have overlapping windows: one auxiliary binary per such pair picks which goes first.
// The program minimizes the sum over collectives of the collective's makespan.

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// ChunkedFlow is the schedule of one flow
type ChunkedFlow struct {
	UID   string `json:"uid" yaml:"uid"`
	Parts int    `json:"parts" yaml:"parts"`

	// Slots holds the completion slot of every part, in part order
	Slots []int `json:"slots" yaml:"slots"`
}

// First returns the slot of the first part
func (cf *ChunkedFlow) First() int { return cf.Slots[0] }

// Last returns the slot of the last part
func (cf *ChunkedFlow) Last() int { return cf.Slots[len(cf.Slots)-1] }

// ChunkSchedule is the output of the chunk scheduler
type ChunkSchedule struct {
	// Flows follows the model's flow order
	Flows []ChunkedFlow `json:"flows" yaml:"flows"`

	// Makespans holds the last slot used by every collective
	Makespans []float64 `json:"makespans" yaml:"makespans"`

	// Objective is the mean makespan, the program's sum divided by the number of collectives
	Objective float64 `json:"objective" yaml:"objective"`

	Optimal  bool          `json:"optimal" yaml:"optimal"`
	Nodes    int           `json:"nodes" yaml:"nodes"`
	TimeCost time.Duration `json:"-" yaml:"-"` // reported in seconds by Run
}

// BottleneckCapacity is the smallest capacity on the flow's path
func BottleneckCapacity(m *Model, f int) float64 {
	bottleneck := math.Inf(1)
	for _, linkID := range m.Flows[f].Links {
		e, _ := m.LinkIndex(linkID)
		bottleneck = math.Min(bottleneck, m.Links[e].Capacity)
	}
	return bottleneck
}

// NumParts is ceil(volume / bottleneck capacity), at least 1
func NumParts(m *Model, f int) int {
	parts := int(math.Ceil(m.Flows[f].Volume/BottleneckCapacity(m, f) - 1e-9))
	if parts < 1 {
		return 1
	}
	return parts
}

// sharesLink reports whether two flows' paths have a link in common
func sharesLink(a, b *Flow) bool {
	for _, linkID := range a.Links {
		if b.UsesLink(linkID) {
			return true
		}
	}
	return false
}

// ScheduleChunks builds and solves the part-level program
func ScheduleChunks(ctx context.Context, m *Model, params *Params) (*ChunkSchedule, error) {
	logger := loggerFrom(ctx)
	start := time.Now()

	F := m.NumFlows()
	parts := make([]int, F)
	horizon := 0
	for f := range m.Flows {
		parts[f] = NumParts(m, f)
		horizon += parts[f]
	}
	bigM := params.BigM
	if bigM == 0 {
		bigM = float64(horizon + 1)
	}

	p := newProgram("flow-chunk")
	x := make([][]int, F)
	for f, flow := range m.Flows {
		x[f] = make([]int, parts[f])
		for part := range x[f] {
			x[f][part] = p.addVar(fmt.Sprintf("x[%s,%d]", flow.UID, part+1), 1, float64(horizon), true, 0)
			if part > 0 {
				p.addRow(fmt.Sprintf("consecutive[%s,%d]", flow.UID, part+1), senseEQ, 1,
					lpTerm{x[f][part], 1}, lpTerm{x[f][part-1], -1})
			}
		}
	}

	T := make([]int, m.NumCollectives())
	for k := range m.Collectives {
		T[k] = p.addVar(fmt.Sprintf("T[%d]", m.Collectives[k].ID), 0, math.Inf(1), false, 1)
	}
	for f, flow := range m.Flows {
		gi, _ := m.IndexOf(flow.Key())
		p.addRow(fmt.Sprintf("makespan[%s]", flow.UID), senseGE, 0,
			lpTerm{T[gi.K], 1}, lpTerm{last(x[f]), -1})
	}

	// a flow starts after the flow ahead of it in the group's send order
	for _, gi := range m.GroupIndices() {
		key := m.Key(gi)
		order := m.Order[key]
		for pos := 1; pos < len(order); pos++ {
			cur, _ := m.FlowIndex(order[pos])
			prev, _ := m.FlowIndex(order[pos-1])
			p.addRow(fmt.Sprintf("dependency[%s,%s]", key, order[pos]), senseGE, 1,
				lpTerm{x[cur][0], 1}, lpTerm{last(x[prev]), -1})
		}
	}

	// b = 1 puts flow i entirely ahead of flow j, b = 0 the reverse
	pairs := 0
	for i := 0; i < F; i++ {
		for j := i + 1; j < F; j++ {
			if !sharesLink(m.Flows[i], m.Flows[j]) {
				continue
			}
			b := p.addBinary(fmt.Sprintf("order[%s,%s]", m.Flows[i].UID, m.Flows[j].UID), 0)
			p.addRow(fmt.Sprintf("i_first[%s,%s]", m.Flows[i].UID, m.Flows[j].UID), senseLE, bigM-1,
				lpTerm{last(x[i]), 1}, lpTerm{x[j][0], -1}, lpTerm{b, bigM})
			p.addRow(fmt.Sprintf("j_first[%s,%s]", m.Flows[i].UID, m.Flows[j].UID), senseLE, -1,
				lpTerm{last(x[j]), 1}, lpTerm{x[i][0], -1}, lpTerm{b, -bigM})
			pairs += 1
		}
	}
	logger.Info("scheduling flow chunks", zap.Int("flows", F), zap.Int("parts", horizon),
		zap.Int("pairs", pairs), zap.Float64("big_m", bigM))

	sol, err := p.solveMILP(ctx, milpOptions{
		maxNodes: params.MaxBranchNodes,
		logger:   logger,
		metrics:  metricsFrom(ctx),
		stage:    StageChunk,
	})
	if err != nil {
		return nil, fmt.Errorf("flow-chunk scheduling: %w", err)
	}

	sched := &ChunkSchedule{
		Flows:     make([]ChunkedFlow, F),
		Makespans: make([]float64, m.NumCollectives()),
		Optimal:   sol.Optimal,
		Nodes:     sol.Nodes,
	}
	for f, flow := range m.Flows {
		cf := ChunkedFlow{UID: flow.UID, Parts: parts[f], Slots: make([]int, parts[f])}
		for part, v := range x[f] {
			cf.Slots[part] = int(math.Round(sol.X[v]))
		}
		sched.Flows[f] = cf
		gi, _ := m.IndexOf(flow.Key())
		sched.Makespans[gi.K] = math.Max(sched.Makespans[gi.K], float64(cf.Last()))
	}
	total := 0.0
	for _, ms := range sched.Makespans {
		total += ms
	}
	sched.Objective = total / float64(m.NumCollectives())
	sched.TimeCost = time.Since(start)

	logger.Info("flow chunks scheduled", zap.Float64("objective", sched.Objective),
		zap.Int("nodes", sched.Nodes), zap.Duration("time_cost", sched.TimeCost))
	return sched, nil
}

func last(vars []int) int { return vars[len(vars)-1] }

// Validate checks the schedule against the model: parts in consecutive slots starting at 1
// or later, every flow after the one ahead of it in its group, and no two flows sharing a link
// with overlapping windows
func (cs *ChunkSchedule) Validate(m *Model) error {
	if len(cs.Flows) != m.NumFlows() {
		return inputErrorf("schedule", "%d flows scheduled, model has %d", len(cs.Flows), m.NumFlows())
	}
	for f := range cs.Flows {
		cf := &cs.Flows[f]
		if cf.UID != m.Flows[f].UID || len(cf.Slots) == 0 {
			return inputErrorf("schedule", "entry %d does not match flow %s", f, m.Flows[f].UID)
		}
		if cf.First() < 1 {
			return fmt.Errorf("flow %s completes its first part at slot %d", cf.UID, cf.First())
		}
		for part := 1; part < len(cf.Slots); part++ {
			if cf.Slots[part] != cf.Slots[part-1]+1 {
				return fmt.Errorf("flow %s parts %d and %d are not consecutive", cf.UID, part, part+1)
			}
		}
	}
	for _, order := range m.Order {
		for pos := 1; pos < len(order); pos++ {
			cur, _ := m.FlowIndex(order[pos])
			prev, _ := m.FlowIndex(order[pos-1])
			if cs.Flows[cur].First() <= cs.Flows[prev].Last() {
				return fmt.Errorf("flow %s starts before %s has finished", order[pos], order[pos-1])
			}
		}
	}
	for i := range cs.Flows {
		for j := i + 1; j < len(cs.Flows); j++ {
			if !sharesLink(m.Flows[i], m.Flows[j]) {
				continue
			}
			a, b := &cs.Flows[i], &cs.Flows[j]
			if a.Last() >= b.First() && b.Last() >= a.First() {
				return fmt.Errorf("flows %s and %s share a link and overlap", a.UID, b.UID)
			}
		}
	}
	return nil
}
