package stellar

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceRecordType int

const (
	FlowType TraceRecordType = iota
	ChunkType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{FlowType: "flow", ChunkType: "chunk"}

type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the records of a replay or a chunk schedule for post-run analysis.
// Records are filed under the id of the collective they belong to
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by collective id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stamps the record with vrt, in seconds, and stores it under the given collective id
func (tm *TraceManager) AddTrace(vrt vrtime.Time, collective int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	trace.TraceTime = strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.Traces[collective] = append(tm.Traces[collective], trace)
}

// AddName adds an element to the id -> (name,type) dictionary.  A repeated id is an error
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.Active() {
		return nil
	}
	if _, present := tm.NameByID[id]; present {
		return fmt.Errorf("trace: duplicated id %d for %s", id, name)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// NameModel enters every flow of the model in the dictionary, by row
func (tm *TraceManager) NameModel(m *Model) error {
	for f, flow := range m.Flows {
		if err := tm.AddName(f, flow.UID, "flow"); err != nil {
			return err
		}
	}
	return nil
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written when the manager is not in use
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	return writeSerialized(filename, *tm)
}

// writeSerialized marshals obj as yaml or json, chosen by the file extension
func writeSerialized(filename string, obj any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(obj)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(obj, "", "\t")
	default:
		return fmt.Errorf("%s: unrecognized extension %q, expected .json or .yaml", filename, pathExt)
	}
	if merr != nil {
		return fmt.Errorf("serializing %s: %w", filename, merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}

// FlowTrace saves the start or finish of a flow during a replay
type FlowTrace struct {
	Time       float64 // time in float64
	Ticks      int64   // ticks variable of time
	Priority   int64   // priority field of time-stamp
	Collective int     // collective id
	Group      int     // group id
	ObjID      int     // model row of the flow
	FlowUID    string
	Op         string  // "start", "finish"
	Rate       float64 // group rate the flow is sent at
}

func (ft *FlowTrace) TraceType() TraceRecordType {
	return FlowType
}

func (ft *FlowTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ft)
	if merr != nil {
		return ""
	}
	return string(bytes[:])
}

// AddFlowTrace creates a record of a flow event and stores it
func AddFlowTrace(tm *TraceManager, vrt vrtime.Time, flow *Flow, objID int, op string, rate float64) {
	if !tm.Active() {
		return
	}
	ft := new(FlowTrace)
	ft.Time = vrt.Seconds()
	ft.Ticks = vrt.Ticks()
	ft.Priority = vrt.Pri()
	ft.Collective = flow.Collective
	ft.Group = flow.Group
	ft.ObjID = objID
	ft.FlowUID = flow.UID
	ft.Op = op
	ft.Rate = rate

	trcInst := TraceInst{TraceType: trtToStr[ft.TraceType()], TraceStr: ft.Serialize()}
	tm.AddTrace(vrt, flow.Collective, trcInst)
}

// ChunkTrace saves the slot one part of a flow completes in
type ChunkTrace struct {
	Slot    int
	ObjID   int
	FlowUID string
	Part    int
}

func (ct *ChunkTrace) TraceType() TraceRecordType {
	return ChunkType
}

func (ct *ChunkTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ct)
	if merr != nil {
		return ""
	}
	return string(bytes[:])
}

// TraceSchedule records every part of a chunk schedule, slots standing in for seconds
func TraceSchedule(tm *TraceManager, m *Model, cs *ChunkSchedule) {
	if !tm.Active() {
		return
	}
	for f, cf := range cs.Flows {
		for part, slot := range cf.Slots {
			ct := &ChunkTrace{Slot: slot, ObjID: f, FlowUID: cf.UID, Part: part + 1}
			vrt := vrtime.SecondsToTime(float64(slot))
			trcInst := TraceInst{TraceType: trtToStr[ct.TraceType()], TraceStr: ct.Serialize()}
			tm.AddTrace(vrt, m.Flows[f].Collective, trcInst)
		}
	}
}
