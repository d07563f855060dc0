package stellar

// relation.go builds the relational model every optimizer works from: the sorted flows and
// links, the collectives and their groups, and the matrices relating them.
//
//   FlowLink  F x E  1 where the flow's path crosses the link
//   Capacity  F x E  the link capacity where the flow crosses it, else 0
//   Data      F x E  the flow's volume where it crosses the link, else 0
//   FCG       F x 3  (collective id, group id, dependency rank) per flow
//
// Rows follow the flow order (collective, group, local id), columns ascending link id.
// The model is built once per run and only read afterwards.

import (
	"math"
	"sort"
	"strconv"

	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// column layout of the FCG matrix
const (
	fcgCollective = 0
	fcgGroup      = 1
	fcgRank       = 2
)

// Collective lists the sorted group ids of one collective
type Collective struct {
	ID     int
	Groups []int
}

// Model is the relation model of one scheduling run
type Model struct {
	Flows       []*Flow
	Links       []*Link
	Collectives []Collective

	// Order is the resolved send order of every group
	Order DependencyOrder

	FlowLink *mat.Dense
	Capacity *mat.Dense
	Data     *mat.Dense
	FCG      *mat.Dense

	flowByUID  map[string]int
	linkByID   map[int]int
	groupByKey map[GroupKey]GroupIndex
}

// BuildModel validates the records, resolves the dependencies and derives the matrices
func BuildModel(flowRecs []FlowRecord, linkRecs []LinkRecord) (*Model, error) {
	if err := validateRecords(flowRecs, linkRecs); err != nil {
		return nil, err
	}

	// create the flows in input order, the resolver's tie-break depends on it
	flows := make([]*Flow, 0, len(flowRecs))
	for _, rec := range flowRecs {
		flows = append(flows, createFlow(rec))
	}
	res, err := ResolveDependencies(flows)
	if err != nil {
		return nil, err
	}
	for _, flow := range flows {
		flow.Preds = res.Preds[flow.UID]
		flow.Rank = len(flow.Preds)
		flow.Position = res.Position[flow.UID]
	}

	m := new(Model)
	m.Order = res.Order
	m.Flows = slices.Clone(flows)
	slices.SortStableFunc(m.Flows, compareFlows)

	m.Links = make([]*Link, 0, len(linkRecs))
	for _, rec := range linkRecs {
		m.Links = append(m.Links, &Link{ID: rec.ID, Capacity: rec.Capacity})
	}
	sort.SliceStable(m.Links, func(i, j int) bool { return m.Links[i].ID < m.Links[j].ID })

	m.flowByUID = make(map[string]int, len(m.Flows))
	for idx, flow := range m.Flows {
		m.flowByUID[flow.UID] = idx
	}
	m.linkByID = make(map[int]int, len(m.Links))
	for idx, link := range m.Links {
		m.linkByID[link.ID] = idx
	}

	m.buildCollectives()
	m.buildMatrices()
	return m, nil
}

// validateRecords gathers every problem it can find before reporting.  Repeated ids
// are reported on their own, as a *DuplicateIDError
func validateRecords(flowRecs []FlowRecord, linkRecs []LinkRecord) error {
	if len(flowRecs) == 0 {
		return inputErrorf("flows", "no flow records")
	}
	if len(linkRecs) == 0 {
		return inputErrorf("links", "no link records")
	}

	links := make(map[int]bool, len(linkRecs))
	for _, rec := range linkRecs {
		if links[rec.ID] {
			return &DuplicateIDError{Kind: "link", ID: strconv.Itoa(rec.ID)}
		}
		links[rec.ID] = true
	}
	uids := make(map[string]bool, len(flowRecs))
	for _, rec := range flowRecs {
		uid := FlowUID(rec.Collective, rec.Group, rec.ID)
		if uids[uid] {
			return &DuplicateIDError{Kind: "flow", ID: uid}
		}
		uids[uid] = true
	}

	var errs error
	for _, rec := range linkRecs {
		if !(rec.Capacity > 0) || math.IsInf(rec.Capacity, 0) {
			errs = multierr.Append(errs, inputErrorf("link "+strconv.Itoa(rec.ID), "capacity %g is not a positive finite value", rec.Capacity))
		}
	}
	for _, rec := range flowRecs {
		uid := FlowUID(rec.Collective, rec.Group, rec.ID)
		if rec.ID == "" {
			errs = multierr.Append(errs, inputErrorf("flow "+uid, "empty flow id"))
		}
		if rec.Volume < 0 || math.IsNaN(rec.Volume) || math.IsInf(rec.Volume, 0) {
			errs = multierr.Append(errs, inputErrorf("flow "+uid, "volume %g is not a non-negative finite value", rec.Volume))
		}
		if len(rec.Links) == 0 {
			errs = multierr.Append(errs, inputErrorf("flow "+uid, "empty link path"))
		}
		seen := make(map[int]bool, len(rec.Links))
		for _, linkID := range rec.Links {
			if !links[linkID] {
				errs = multierr.Append(errs, inputErrorf("flow "+uid, "path names unknown link %d", linkID))
			}
			if seen[linkID] {
				errs = multierr.Append(errs, inputErrorf("flow "+uid, "path crosses link %d twice", linkID))
			}
			seen[linkID] = true
		}
	}
	return errs
}

// buildCollectives gathers the distinct collective ids and, per collective, the distinct group ids
func (m *Model) buildCollectives() {
	groupsOf := make(map[int]map[int]bool)
	for _, flow := range m.Flows {
		if _, present := groupsOf[flow.Collective]; !present {
			groupsOf[flow.Collective] = make(map[int]bool)
		}
		groupsOf[flow.Collective][flow.Group] = true
	}

	ids := make([]int, 0, len(groupsOf))
	for id := range groupsOf {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	m.Collectives = make([]Collective, 0, len(ids))
	m.groupByKey = make(map[GroupKey]GroupIndex)
	for k, id := range ids {
		groups := make([]int, 0, len(groupsOf[id]))
		for g := range groupsOf[id] {
			groups = append(groups, g)
		}
		slices.Sort(groups)
		for n, g := range groups {
			m.groupByKey[GroupKey{Collective: id, Group: g}] = GroupIndex{K: k, N: n}
		}
		m.Collectives = append(m.Collectives, Collective{ID: id, Groups: groups})
	}
}

func (m *Model) buildMatrices() {
	F, E := len(m.Flows), len(m.Links)
	m.FlowLink = mat.NewDense(F, E, nil)
	m.Capacity = mat.NewDense(F, E, nil)
	m.Data = mat.NewDense(F, E, nil)
	m.FCG = mat.NewDense(F, 3, nil)

	for f, flow := range m.Flows {
		for _, linkID := range flow.Links {
			e := m.linkByID[linkID]
			m.FlowLink.Set(f, e, 1)
			m.Capacity.Set(f, e, m.Links[e].Capacity)
			m.Data.Set(f, e, flow.Volume)
		}
		m.FCG.Set(f, fcgCollective, float64(flow.Collective))
		m.FCG.Set(f, fcgGroup, float64(flow.Group))
		m.FCG.Set(f, fcgRank, float64(flow.Rank))
	}
}

// NumFlows returns F
func (m *Model) NumFlows() int { return len(m.Flows) }

// NumLinks returns E
func (m *Model) NumLinks() int { return len(m.Links) }

// NumCollectives returns K
func (m *Model) NumCollectives() int { return len(m.Collectives) }

// NumGroups returns the number of groups of collective k
func (m *Model) NumGroups(k int) int { return len(m.Collectives[k].Groups) }

// TotalGroups returns N, the number of groups over all collectives
func (m *Model) TotalGroups() int {
	total := 0
	for _, c := range m.Collectives {
		total += len(c.Groups)
	}
	return total
}

// GroupIndices lists every group, collective-major
func (m *Model) GroupIndices() []GroupIndex {
	gis := make([]GroupIndex, 0, m.TotalGroups())
	for k, c := range m.Collectives {
		for n := range c.Groups {
			gis = append(gis, GroupIndex{K: k, N: n})
		}
	}
	return gis
}

// Key translates a group index to its ids
func (m *Model) Key(gi GroupIndex) GroupKey {
	return GroupKey{Collective: m.Collectives[gi.K].ID, Group: m.Collectives[gi.K].Groups[gi.N]}
}

// IndexOf translates group ids to the group's index
func (m *Model) IndexOf(key GroupKey) (GroupIndex, bool) {
	gi, present := m.groupByKey[key]
	return gi, present
}

// FlowIndex returns the row of the flow with the given unique id
func (m *Model) FlowIndex(uid string) (int, bool) {
	idx, present := m.flowByUID[uid]
	return idx, present
}

// LinkIndex returns the column of the link with the given id
func (m *Model) LinkIndex(id int) (int, bool) {
	idx, present := m.linkByID[id]
	return idx, present
}

// GroupFlows returns the rows of the flows of group n of collective k, by scanning the FCG matrix
func (m *Model) GroupFlows(k, n int) []int {
	collID := float64(m.Collectives[k].ID)
	groupID := float64(m.Collectives[k].Groups[n])
	rows := []int{}
	for f := range m.Flows {
		if m.FCG.At(f, fcgCollective) == collID && m.FCG.At(f, fcgGroup) == groupID {
			rows = append(rows, f)
		}
	}
	return rows
}

// LinkGroups returns the distinct groups with at least one flow crossing link column e,
// ordered by (collective, group) index
func (m *Model) LinkGroups(e int) []GroupIndex {
	seen := make(map[GroupIndex]bool)
	gis := []GroupIndex{}
	for f, flow := range m.Flows {
		if m.FlowLink.At(f, e) != 1 {
			continue
		}
		gi := m.groupByKey[flow.Key()]
		if !seen[gi] {
			seen[gi] = true
			gis = append(gis, gi)
		}
	}
	sort.Slice(gis, func(i, j int) bool {
		if gis[i].K != gis[j].K {
			return gis[i].K < gis[j].K
		}
		return gis[i].N < gis[j].N
	})
	return gis
}

// FlowLinks reads the link ids of a flow back from the indicator matrix, in ascending id order
func (m *Model) FlowLinks(f int) []int {
	ids := []int{}
	for e, link := range m.Links {
		if m.FlowLink.At(f, e) == 1 {
			ids = append(ids, link.ID)
		}
	}
	return ids
}

// GroupVolume is the total data volume of group n of collective k
func (m *Model) GroupVolume(k, n int) float64 {
	total := 0.0
	for _, f := range m.GroupFlows(k, n) {
		total += m.Flows[f].Volume
	}
	return total
}

// GroupLinkData is the volume group (k, n) sends across link column e
func (m *Model) GroupLinkData(k, n, e int) float64 {
	total := 0.0
	for _, f := range m.GroupFlows(k, n) {
		total += m.Data.At(f, e)
	}
	return total
}

// linkTable caches LinkGroups for every column, for code that visits links many times
func (m *Model) linkTable() [][]GroupIndex {
	table := make([][]GroupIndex, len(m.Links))
	for e := range m.Links {
		table[e] = m.LinkGroups(e)
	}
	return table
}

// NewRates returns a zeroed [collective][group] array shaped like the model
func (m *Model) NewRates() [][]float64 {
	rates := make([][]float64, len(m.Collectives))
	for k, c := range m.Collectives {
		rates[k] = make([]float64, len(c.Groups))
	}
	return rates
}
