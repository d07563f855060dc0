package stellar

// desc-flow.go holds the serializable description of a flow set and its file formats.  Two
// layouts are read.  The structured layout is a FlowSetDesc in json or yaml.  The legacy
// layout is a json object with one entry per flow under a numeric key, plus a
// "link_capacities" object mapping link id to capacity.  Both carry raw bit counts; Records
// divides them by the unit divisor before they reach the model builder.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// legacyLinkKey names the capacity table of the legacy layout
const legacyLinkKey = "link_capacities"

// FlowRef is a flow id written either as a number or as a string
type FlowRef string

func (fr *FlowRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*fr = FlowRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flow reference %s is neither a number nor a string", string(data))
	}
	*fr = FlowRef(n.String())
	return nil
}

func (fr *FlowRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("flow reference at line %d is not a scalar", value.Line)
	}
	*fr = FlowRef(value.Value)
	return nil
}

// FlowDesc describes one flow.  Total is the data volume in bits
type FlowDesc struct {
	ID           string    `json:"id" yaml:"id"`
	Collective   int       `json:"collective_id" yaml:"collective_id"`
	Group        int       `json:"group_id" yaml:"group_id"`
	Src          int       `json:"src" yaml:"src"`
	Dst          int       `json:"dst" yaml:"dst"`
	Links        []int     `json:"links" yaml:"links"`
	Total        float64   `json:"total" yaml:"total"`
	Dependencies []FlowRef `json:"dependencies" yaml:"dependencies"`

	// BPS is the assigned rate in bits per second, set on augmented output only
	BPS int64 `json:"bps,omitempty" yaml:"bps,omitempty"`
}

// LinkDesc describes one link.  Capacity is in bits per second
type LinkDesc struct {
	ID       int     `json:"id" yaml:"id"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
}

// FlowSetDesc is a complete, serializable flow set
type FlowSetDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Flows []FlowDesc `json:"flows" yaml:"flows"`
	Links []LinkDesc `json:"links" yaml:"links"`

	// raw holds the entries of a legacy input, so augmented output keeps every field it had
	raw map[string]json.RawMessage

	augmented bool
}

// CreateFlowSetDesc is a constructor
func CreateFlowSetDesc(name string) *FlowSetDesc {
	fsd := new(FlowSetDesc)
	fsd.Name = name
	fsd.Flows = make([]FlowDesc, 0)
	fsd.Links = make([]LinkDesc, 0)
	return fsd
}

// AddFlow appends a flow description
func (fsd *FlowSetDesc) AddFlow(fd FlowDesc) {
	fsd.Flows = append(fsd.Flows, fd)
}

// AddLink appends a link description
func (fsd *FlowSetDesc) AddLink(id int, capacity float64) {
	fsd.Links = append(fsd.Links, LinkDesc{ID: id, Capacity: capacity})
}

// Legacy reports whether the description was read from the legacy layout
func (fsd *FlowSetDesc) Legacy() bool {
	return fsd.raw != nil
}

// ReadFlowSetDesc deserializes a flow set.  If dict is empty the file whose name is given is read
// to acquire the bytes.  With useYAML false the bytes are json, in either layout; the legacy layout
// is recognized by the absence of a "flows" key.  A legacy description takes its name from the file
func ReadFlowSetDesc(filename string, useYAML bool, dict []byte) (*FlowSetDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	if useYAML {
		fsd := CreateFlowSetDesc("")
		if err = yaml.Unmarshal(dict, fsd); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		return fsd, nil
	}

	top := make(map[string]json.RawMessage)
	if err = json.Unmarshal(dict, &top); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if _, present := top["flows"]; present {
		fsd := CreateFlowSetDesc("")
		if err = json.Unmarshal(dict, fsd); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		return fsd, nil
	}
	return readLegacy(filename, top)
}

// readLegacy decodes the numeric-key layout
func readLegacy(filename string, top map[string]json.RawMessage) (*FlowSetDesc, error) {
	name := strings.TrimSuffix(filepath.Base(filename), path.Ext(filename))
	fsd := CreateFlowSetDesc(name)
	fsd.raw = top

	keys := []int{}
	for key := range top {
		if id, err := strconv.Atoi(key); err == nil && id >= 0 && strconv.Itoa(id) == key {
			keys = append(keys, id)
		}
	}
	slices.Sort(keys)
	for _, id := range keys {
		key := strconv.Itoa(id)
		fd := FlowDesc{}
		if err := json.Unmarshal(top[key], &fd); err != nil {
			return nil, fmt.Errorf("%s: flow %s: %w", filename, key, err)
		}
		fd.ID = key
		fsd.AddFlow(fd)
	}

	rawLinks, present := top[legacyLinkKey]
	if !present {
		return nil, inputErrorf(legacyLinkKey, "%s has no %s entry", filename, legacyLinkKey)
	}
	capacities := make(map[string]float64)
	if err := json.Unmarshal(rawLinks, &capacities); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", filename, legacyLinkKey, err)
	}
	linkIDs := []int{}
	for key := range capacities {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, inputErrorf(legacyLinkKey, "link id %q is not an integer", key)
		}
		linkIDs = append(linkIDs, id)
	}
	sort.Ints(linkIDs)
	for _, id := range linkIDs {
		fsd.AddLink(id, capacities[strconv.Itoa(id)])
	}
	return fsd, nil
}

// Records converts the description into model records, dividing volumes and capacities
// by divisor
func (fsd *FlowSetDesc) Records(divisor float64) ([]FlowRecord, []LinkRecord, error) {
	if !(divisor > 0) || math.IsInf(divisor, 0) {
		return nil, nil, inputErrorf("unit_divisor", "divisor %g must be positive", divisor)
	}
	flows := make([]FlowRecord, len(fsd.Flows))
	for i, fd := range fsd.Flows {
		deps := make([]string, len(fd.Dependencies))
		for j, dep := range fd.Dependencies {
			deps[j] = string(dep)
		}
		flows[i] = FlowRecord{
			ID:         fd.ID,
			Collective: fd.Collective,
			Group:      fd.Group,
			Src:        fd.Src,
			Dst:        fd.Dst,
			Links:      append([]int(nil), fd.Links...),
			Volume:     fd.Total / divisor,
			Deps:       deps,
		}
	}
	links := make([]LinkRecord, len(fsd.Links))
	for i, ld := range fsd.Links {
		links[i] = LinkRecord{ID: ld.ID, Capacity: ld.Capacity / divisor}
	}
	return flows, links, nil
}

// Augment returns a copy of the description, named Optimized-<name>, in which every flow
// carries the rate of its group converted back to bits per second
func (fsd *FlowSetDesc) Augment(m *Model, rates [][]float64, divisor float64) (*FlowSetDesc, error) {
	out := CreateFlowSetDesc("Optimized-" + fsd.Name)
	out.raw = fsd.raw
	out.augmented = true
	out.Links = append(out.Links, fsd.Links...)
	for _, fd := range fsd.Flows {
		gi, present := m.IndexOf(GroupKey{Collective: fd.Collective, Group: fd.Group})
		if !present {
			return nil, inputErrorf("flows", "flow %s belongs to group (%d,%d) unknown to the model",
				fd.ID, fd.Collective, fd.Group)
		}
		fd.Links = append([]int(nil), fd.Links...)
		fd.Dependencies = append([]FlowRef(nil), fd.Dependencies...)
		fd.BPS = int64(math.Round(rates[gi.K][gi.N] * divisor))
		out.AddFlow(fd)
	}
	return out, nil
}

// WriteToFile stores the description to the file whose name is given, json or yaml by extension.
// A legacy description is written back in the legacy layout
func (fsd *FlowSetDesc) WriteToFile(filename string) error {
	if !fsd.Legacy() {
		return writeSerialized(filename, *fsd)
	}

	out := make(map[string]any, len(fsd.raw))
	for key, msg := range fsd.raw {
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return fmt.Errorf("%s: entry %s: %w", filename, key, err)
		}
		out[key] = v
	}
	for _, fd := range fsd.Flows {
		entry, ok := out[fd.ID].(map[string]any)
		if !ok || !fsd.augmented {
			continue
		}
		entry["bps"] = fd.BPS
	}
	return writeSerialized(filename, out)
}
