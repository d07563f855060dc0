package stellar

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// FlowRecord is one flow of a collective as handed to the model builder,
// already expressed in the internal bandwidth unit
type FlowRecord struct {
	ID         string   // flow id, local to its (collective, group)
	Collective int      // collective id
	Group      int      // group id, local to the collective
	Src        int      // source endpoint
	Dst        int      // destination endpoint
	Links      []int    // ordered link path
	Volume     float64  // data volume
	Deps       []string // local ids of flows in the same (collective, group) that must precede this one
}

// LinkRecord is one network link, capacity in the internal bandwidth unit
type LinkRecord struct {
	ID       int
	Capacity float64
}

// GroupKey identifies a group by its collective and group ids
type GroupKey struct {
	Collective int
	Group      int
}

func (gk GroupKey) String() string {
	return fmt.Sprintf("(%d,%d)", gk.Collective, gk.Group)
}

// GroupIndex addresses a group by position: K is the index of the collective
// among the sorted collectives, N the index of the group inside it
type GroupIndex struct {
	K int
	N int
}

// Flow is the immutable, model-side view of a FlowRecord.  Its fields are
// set once by BuildModel and must not be written afterwards
type Flow struct {
	UID        string // "<collective>-<group>-<local id>"
	LocalID    string
	Collective int
	Group      int
	Src        int
	Dst        int
	Volume     float64
	Links      []int

	// Deps holds the unique ids of the direct predecessors named in the record
	Deps []string

	// Preds is the resolved predecessor list: every flow of the group that has to
	// finish before this one, in resolved send order
	Preds []string

	// Rank is the dependency-order rank, len(Preds)
	Rank int

	// Position is the index of the flow in its group's resolved send order
	Position int
}

// Key returns the (collective, group) the flow belongs to
func (f *Flow) Key() GroupKey {
	return GroupKey{Collective: f.Collective, Group: f.Group}
}

// UsesLink reports whether the flow's path crosses the link
func (f *Flow) UsesLink(linkID int) bool {
	return slices.Contains(f.Links, linkID)
}

func (f *Flow) String() string {
	return fmt.Sprintf("[collective %d - group %d - flow %s] carries %g", f.Collective, f.Group, f.LocalID, f.Volume)
}

// FlowUID composes the unique id of a flow from its collective, group and local id
func FlowUID(collective, group int, localID string) string {
	return strconv.Itoa(collective) + "-" + strconv.Itoa(group) + "-" + localID
}

// createFlow is a constructor.  Dependencies are re-keyed to unique ids, the
// resolved predecessor fields are filled in later by the resolver
func createFlow(rec FlowRecord) *Flow {
	flow := new(Flow)
	flow.UID = FlowUID(rec.Collective, rec.Group, rec.ID)
	flow.LocalID = rec.ID
	flow.Collective = rec.Collective
	flow.Group = rec.Group
	flow.Src = rec.Src
	flow.Dst = rec.Dst
	flow.Volume = rec.Volume
	flow.Links = slices.Clone(rec.Links)
	flow.Deps = make([]string, 0, len(rec.Deps))
	for _, dep := range rec.Deps {
		flow.Deps = append(flow.Deps, FlowUID(rec.Collective, rec.Group, dep))
	}
	return flow
}

// Link is the model-side view of a LinkRecord
type Link struct {
	ID       int
	Capacity float64
}

// compareLocalIDs orders local flow ids numerically when both are integers,
// lexically otherwise, so "2" sorts before "10"
func compareLocalIDs(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareFlows gives the total order the model keeps flows in:
// by collective, then group, then local id
func compareFlows(a, b *Flow) int {
	if a.Collective != b.Collective {
		if a.Collective < b.Collective {
			return -1
		}
		return 1
	}
	if a.Group != b.Group {
		if a.Group < b.Group {
			return -1
		}
		return 1
	}
	return compareLocalIDs(a.LocalID, b.LocalID)
}
