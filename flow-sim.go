package stellar

// flow-sim.go replays a rate assignment in virtual time.  Every group sends its flows one
// after the other, in the group's resolved send order, each at the rate assigned to the group.
// A flow of volume v therefore occupies v/r seconds, and the group finishes when its last flow
// does.  The replay gives an independent check on the completion times computed analytically
// and, with an active TraceManager, a start/finish record for every flow.

import (
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// ReplayResult holds the finishing times observed in a replay
type ReplayResult struct {
	// GroupFinish is indexed [collective][group]
	GroupFinish [][]float64

	// CollectiveFinish is the last group finish of every collective
	CollectiveFinish []float64

	// AvgCompletion is the mean of CollectiveFinish
	AvgCompletion float64

	// Events counts the flow completions handled
	Events int
}

// groupCursor walks one group's send order during a replay
type groupCursor struct {
	m     *Model
	gi    GroupIndex
	rows  []int // model rows in send order
	next  int
	rate  float64
	res   *ReplayResult
	trace *TraceManager
}

// Replay runs every group of the model at its rate on a fresh event manager.  A group with
// data but no rate never finishes and is reported at +Inf
func Replay(m *Model, rates [][]float64, tm *TraceManager) *ReplayResult {
	res := &ReplayResult{
		GroupFinish:      m.NewRates(),
		CollectiveFinish: make([]float64, m.NumCollectives()),
	}

	evtMgr := evtm.New()
	horizon := 0.0
	for _, gi := range m.GroupIndices() {
		gc := &groupCursor{m: m, gi: gi, rate: rates[gi.K][gi.N], res: res, trace: tm}
		for _, uid := range m.Order[m.Key(gi)] {
			row, _ := m.FlowIndex(uid)
			gc.rows = append(gc.rows, row)
		}

		volume := m.GroupVolume(gi.K, gi.N)
		if volume > 0 && gc.rate <= 0 {
			res.GroupFinish[gi.K][gi.N] = math.Inf(1)
			continue
		}
		if volume > 0 {
			horizon += volume / gc.rate
		}
		evtMgr.Schedule(gc, nil, startGroup, vrtime.SecondsToTime(0.0))
	}

	// the horizon is only a guard, every event lies inside it
	evtMgr.Run(horizon + 1.0)

	for _, gi := range m.GroupIndices() {
		res.CollectiveFinish[gi.K] = math.Max(res.CollectiveFinish[gi.K], res.GroupFinish[gi.K][gi.N])
	}
	res.AvgCompletion = meanSorted(res.CollectiveFinish)
	return res
}

// startGroup is the event handler that puts the first flow of a group on the wire
func startGroup(evtMgr *evtm.EventManager, context any, data any) any {
	gc := context.(*groupCursor)
	gc.sendNext(evtMgr)
	return nil
}

// sendNext schedules the completion of the next flow in the group's order, or records the
// group's finish when none is left
func (gc *groupCursor) sendNext(evtMgr *evtm.EventManager) {
	if gc.next >= len(gc.rows) {
		gc.res.GroupFinish[gc.gi.K][gc.gi.N] = evtMgr.CurrentSeconds()
		return
	}
	row := gc.rows[gc.next]
	flow := gc.m.Flows[row]
	AddFlowTrace(gc.trace, evtMgr.CurrentTime(), flow, row, "start", gc.rate)

	duration := 0.0
	if flow.Volume > 0 {
		duration = flow.Volume / gc.rate
	}
	evtMgr.Schedule(gc, row, flowFinished, vrtime.SecondsToTime(duration))
}

// flowFinished is the event handler called when a flow has been fully sent
func flowFinished(evtMgr *evtm.EventManager, context any, data any) any {
	gc := context.(*groupCursor)
	row := data.(int)
	gc.res.Events += 1
	AddFlowTrace(gc.trace, evtMgr.CurrentTime(), gc.m.Flows[row], row, "finish", gc.rate)

	gc.next += 1
	gc.sendNext(evtMgr)
	return nil
}
