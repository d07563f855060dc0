package stellar

// depend.go resolves the send order of flows inside each (collective, group).
//
// Every flow names the flows of its own group that have to be sent before it.  We turn
// those lists into one directed graph per group and compute a topological order by a
// post-order depth-first traversal: a flow is emitted only after all of its predecessors
// have been.  Roots are taken in input iteration order, and the predecessors of a flow are
// followed in the order they are listed, so when several orders are valid the one produced
// is fixed by the input.  The traversal keeps its own stack so long dependency chains do not
// grow the goroutine stack, and a flow met again while still on the active path is a cycle.
//
// The resolved predecessor list of a flow (everything it transitively depends on) is read
// off a gonum graph of the group, and its length is the flow's dependency rank.

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// DependencyOrder maps each (collective, group) to the resolved send order of its flows' unique ids
type DependencyOrder map[GroupKey][]string

// Resolution is the output of ResolveDependencies
type Resolution struct {
	// Order is the send order of every group
	Order DependencyOrder

	// Preds holds, per flow unique id, the resolved predecessor list in send order
	Preds map[string][]string

	// Position holds, per flow unique id, its index in the group's send order
	Position map[string]int
}

// Rank returns the dependency rank of a flow: the number of flows it transitively depends on
func (r *Resolution) Rank(uid string) int {
	return len(r.Preds[uid])
}

// visitation states of the traversal
const (
	white = iota // not reached yet
	gray         // on the active path
	black        // emitted
)

// dfsFrame is one entry of the explicit traversal stack
type dfsFrame struct {
	node int // index of the flow within its group
	next int // index of the next predecessor to follow
}

// groupGraph gathers the flows of one group in input order
type groupGraph struct {
	key   GroupKey
	flows []*Flow
	index map[string]int // unique id -> index in flows
	preds [][]int        // direct predecessors, as indices, in listed order
}

// ResolveDependencies computes the send order of every group.  flows is read in input iteration
// order, which decides the tie-break between valid orders.  An unknown predecessor is an
// ErrMalformedInput, a cycle a *CyclicDependencyError
func ResolveDependencies(flows []*Flow) (*Resolution, error) {
	groups, err := collectGroups(flows)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Order:    make(DependencyOrder, len(groups)),
		Preds:    make(map[string][]string, len(flows)),
		Position: make(map[string]int, len(flows)),
	}

	for _, gg := range groups {
		order, err := gg.postOrder()
		if err != nil {
			return nil, err
		}
		uids := make([]string, len(order))
		for pos, idx := range order {
			uids[pos] = gg.flows[idx].UID
			res.Position[gg.flows[idx].UID] = pos
		}
		res.Order[gg.key] = uids

		// the cycle check above guarantees the graph is acyclic, so no self edges reach gonum
		gg.closure(order, res.Preds)
	}
	return res, nil
}

// collectGroups splits the flows into groups, keeping first-seen order of the groups and
// input order of the flows inside each group, and translates dependency ids to indices
func collectGroups(flows []*Flow) ([]*groupGraph, error) {
	byKey := make(map[GroupKey]*groupGraph)
	groups := []*groupGraph{}

	for _, flow := range flows {
		gg, present := byKey[flow.Key()]
		if !present {
			gg = &groupGraph{key: flow.Key(), index: make(map[string]int)}
			byKey[flow.Key()] = gg
			groups = append(groups, gg)
		}
		if _, dup := gg.index[flow.UID]; dup {
			return nil, &DuplicateIDError{Kind: "flow", ID: flow.UID}
		}
		gg.index[flow.UID] = len(gg.flows)
		gg.flows = append(gg.flows, flow)
	}

	for _, gg := range groups {
		gg.preds = make([][]int, len(gg.flows))
		for idx, flow := range gg.flows {
			for _, dep := range flow.Deps {
				depIdx, present := gg.index[dep]
				if !present {
					return nil, inputErrorf("dependencies",
						"flow %s depends on %s, which is not a flow of group %s", flow.UID, dep, gg.key)
				}
				gg.preds[idx] = append(gg.preds[idx], depIdx)
			}
		}
	}
	return groups, nil
}

// postOrder runs the iterative depth-first traversal over the group's predecessor lists
// and returns flow indices with every predecessor ahead of its dependents
func (gg *groupGraph) postOrder() ([]int, error) {
	state := make([]int, len(gg.flows))
	order := make([]int, 0, len(gg.flows))
	stack := make([]dfsFrame, 0, len(gg.flows))

	for root := range gg.flows {
		if state[root] != white {
			continue
		}
		state[root] = gray
		stack = append(stack, dfsFrame{node: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(gg.preds[top.node]) {
				pred := gg.preds[top.node][top.next]
				top.next += 1

				switch state[pred] {
				case white:
					state[pred] = gray
					stack = append(stack, dfsFrame{node: pred})
				case gray:
					return nil, gg.cycleError(stack, pred)
				}
				continue
			}

			// all predecessors emitted, so this flow can be
			state[top.node] = black
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

// cycleError reports the part of the active path that starts at the flow met twice
func (gg *groupGraph) cycleError(stack []dfsFrame, again int) error {
	start := 0
	for pos, frame := range stack {
		if frame.node == again {
			start = pos
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start+1)
	for _, frame := range stack[start:] {
		cycle = append(cycle, gg.flows[frame.node].UID)
	}
	cycle = append(cycle, gg.flows[again].UID)
	return &CyclicDependencyError{Collective: gg.key.Collective, Group: gg.key.Group, Cycle: cycle}
}

// closure fills in the resolved predecessor list of every flow of the group.  Each flow is a
// node of a directed graph with an edge to each of its direct predecessors, so the nodes a
// breadth-first walk reaches from a flow are exactly the flows it depends on
func (gg *groupGraph) closure(order []int, preds map[string][]string) {
	g := simple.NewDirectedGraph()
	for idx := range gg.flows {
		g.AddNode(simple.Node(idx))
	}
	for idx, predList := range gg.preds {
		for _, pred := range predList {
			g.SetEdge(simple.Edge{F: simple.Node(idx), T: simple.Node(pred)})
		}
	}

	for idx, flow := range gg.flows {
		reached := make(map[int64]bool)
		from := simple.Node(idx)
		bf := traverse.BreadthFirst{
			Visit: func(n graph.Node) {
				if n.ID() != from.ID() {
					reached[n.ID()] = true
				}
			},
		}
		bf.Walk(g, from, nil)

		// list them in send order
		resolved := make([]string, 0, len(reached))
		for _, o := range order {
			if reached[int64(o)] {
				resolved = append(resolved, gg.flows[o].UID)
			}
		}
		preds[flow.UID] = resolved
	}
}
