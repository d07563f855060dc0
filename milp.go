package stellar

// milp.go solves mixed-integer programs by branch-and-bound over the relaxations lp.go
// solves.  Open nodes wait in a min-heap keyed on their relaxation bound, so the most
// promising node is expanded first.  A node whose relaxation is integral updates the
// incumbent; otherwise the integer variable furthest from integrality is split into
// x <= floor(v) and x >= ceil(v).
//
// The search stops early on the node limit (returning the incumbent, marked not optimal) and
// on the context's deadline (ErrSolverTimeout).

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// intTol is how far from an integer a value may sit and still count as integral
const intTol = 1e-6

// bbNode is one subproblem: the program under tightened bounds
type bbNode struct {
	lo, hi []float64
	bound  float64 // relaxation objective, a lower bound for the subtree
	depth  int
	x      []float64
}

// bbHeap and its methods implement a min-priority heap on the relaxation bound of
// open nodes, deeper nodes first among equal bounds
type bbHeap []*bbNode

func (h bbHeap) Len() int { return len(h) }
func (h bbHeap) Less(i, j int) bool {
	if h[i].bound != h[j].bound {
		return h[i].bound < h[j].bound
	}
	return h[i].depth > h[j].depth
}
func (h bbHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *bbHeap) Push(x any) {
	*h = append(*h, x.(*bbNode))
}

func (h *bbHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// milpOptions bound the search
type milpOptions struct {
	maxNodes int
	logger   *zap.Logger
	metrics  *Metrics
	stage    string
}

// solveMILP runs branch-and-bound on the program.  An infeasible root is ErrInfeasibleModel,
// as is an exhausted tree without an integral point; a limit reached with no incumbent is ErrSolver
func (p *lpProgram) solveMILP(ctx context.Context, opts milpOptions) (*lpSolution, error) {
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.maxNodes <= 0 {
		opts.maxNodes = DefaultParams().MaxBranchNodes
	}

	if err := ctxErr(ctx, p.name); err != nil {
		return nil, err
	}
	root, err := p.solveRelaxation(ctx, p.lo, p.hi)
	if err != nil {
		return nil, err
	}

	open := &bbHeap{}
	heap.Init(open)
	heap.Push(open, &bbNode{lo: p.lo, hi: p.hi, bound: root.Objective, x: root.X})

	var incumbent *lpSolution
	nodes := 0
	dropped := 0

	defer func() {
		opts.metrics.observeNodes(opts.stage, nodes)
	}()

	for open.Len() > 0 {
		node := heap.Pop(open).(*bbNode)
		if incumbent != nil && node.bound >= incumbent.Objective-feasTol*math.Max(1, math.Abs(incumbent.Objective)) {
			continue
		}
		if err := ctxErr(ctx, p.name); err != nil {
			return nil, err
		}
		nodes += 1
		if nodes > opts.maxNodes {
			if incumbent != nil {
				logger.Warn("branch-and-bound node limit reached, returning incumbent",
					zap.String("program", p.name), zap.Int("nodes", nodes-1),
					zap.Float64("objective", incumbent.Objective))
				incumbent.Optimal = false
				incumbent.Nodes = nodes - 1
				return incumbent, nil
			}
			return nil, fmt.Errorf("%w: %s: node limit %d reached without an integral solution",
				ErrSolver, p.name, opts.maxNodes)
		}

		branch := p.mostFractional(node.x)
		if branch < 0 {
			x := p.roundIntegers(node.x)
			incumbent = &lpSolution{Objective: p.objective(x), X: x, Optimal: true}
			logger.Debug("new incumbent", zap.String("program", p.name),
				zap.Int("node", nodes), zap.Float64("objective", incumbent.Objective))
			continue
		}

		v := node.x[branch]
		down := &bbNode{lo: node.lo, hi: cloneWith(node.hi, branch, math.Floor(v)), depth: node.depth + 1}
		up := &bbNode{lo: cloneWith(node.lo, branch, math.Ceil(v)), hi: node.hi, depth: node.depth + 1}
		for _, child := range []*bbNode{down, up} {
			sol, err := p.solveRelaxation(ctx, child.lo, child.hi)
			if err != nil {
				if errors.Is(err, ErrSolverTimeout) {
					return nil, err
				}
				if errors.Is(err, ErrInfeasibleModel) {
					continue
				}
				// numerical failure, skip the subtree
				dropped += 1
				logger.Debug("dropping subproblem", zap.String("program", p.name), zap.Error(err))
				continue
			}
			if incumbent != nil && sol.Objective >= incumbent.Objective {
				continue
			}
			child.bound = sol.Objective
			child.x = sol.X
			heap.Push(open, child)
		}
	}

	if incumbent == nil {
		if dropped > 0 {
			return nil, fmt.Errorf("%w: %s: %d subproblems failed and no integral solution was found",
				ErrSolver, p.name, dropped)
		}
		return nil, fmt.Errorf("%w: %s: no integral solution", ErrInfeasibleModel, p.name)
	}
	incumbent.Nodes = nodes
	return incumbent, nil
}

// mostFractional returns the integer variable whose value is furthest from an integer,
// or -1 when all are integral
func (p *lpProgram) mostFractional(x []float64) int {
	best := -1
	bestDist := intTol
	for j, isInt := range p.integer {
		if !isInt {
			continue
		}
		dist := math.Abs(x[j] - math.Round(x[j]))
		if dist > bestDist {
			best = j
			bestDist = dist
		}
	}
	return best
}

func (p *lpProgram) roundIntegers(x []float64) []float64 {
	rounded := append([]float64(nil), x...)
	for j, isInt := range p.integer {
		if isInt {
			rounded[j] = math.Round(rounded[j])
		}
	}
	return rounded
}

func cloneWith(bounds []float64, j int, v float64) []float64 {
	c := append([]float64(nil), bounds...)
	c[j] = v
	return c
}

// ctxErr turns an expired or cancelled context into ErrSolverTimeout
func ctxErr(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSolverTimeout, name, err)
	}
	return nil
}
