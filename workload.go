package stellar

// workload.go generates synthetic flow sets for experiments and tests.  Links form a line
// 0-1-2-..., every flow crosses a contiguous run of them, and the flows of a group are chained so
// each depends on the one generated before it.  All draws of a call come from one named
// rngstream, so a program that generates its workloads in the same order sees the same records.

import (
	"math"
	"strconv"

	"github.com/iti/rngstream"
)

// WorkloadSpec describes the instances GenerateWorkload draws from
type WorkloadSpec struct {
	Name          string  `json:"name" yaml:"name"` // names the random stream
	Links         int     `json:"links" yaml:"links"`
	Collectives   int     `json:"collectives" yaml:"collectives"`
	Groups        int     `json:"groups" yaml:"groups"` // groups per collective
	FlowsPerGroup int     `json:"flowspergroup" yaml:"flowspergroup"`
	MinCapacity   float64 `json:"mincapacity" yaml:"mincapacity"`
	MaxCapacity   float64 `json:"maxcapacity" yaml:"maxcapacity"`
	MinVolume     float64 `json:"minvolume" yaml:"minvolume"`
	MaxVolume     float64 `json:"maxvolume" yaml:"maxvolume"`
	MaxPathLen    int     `json:"maxpathlen" yaml:"maxpathlen"`
}

// GenerateWorkload draws flow and link records within the ranges of the WorkloadSpec
func GenerateWorkload(spec WorkloadSpec) ([]FlowRecord, []LinkRecord, error) {
	if spec.Links < 1 || spec.Collectives < 1 || spec.Groups < 1 || spec.FlowsPerGroup < 1 {
		return nil, nil, inputErrorf("workload", "links, collectives, groups and flows per group must be positive")
	}
	if !(spec.MinCapacity > 0) || spec.MaxCapacity < spec.MinCapacity {
		return nil, nil, inputErrorf("workload", "capacity range [%g, %g] is not positive", spec.MinCapacity, spec.MaxCapacity)
	}
	if spec.MinVolume < 0 || spec.MaxVolume < spec.MinVolume {
		return nil, nil, inputErrorf("workload", "volume range [%g, %g] is not valid", spec.MinVolume, spec.MaxVolume)
	}
	maxPath := spec.MaxPathLen
	if maxPath < 1 || maxPath > spec.Links {
		maxPath = spec.Links
	}

	name := spec.Name
	if name == "" {
		name = "workload"
	}
	rng := rngstream.New(name)

	links := make([]LinkRecord, spec.Links)
	for e := range links {
		links[e] = LinkRecord{ID: e, Capacity: uniform(rng, spec.MinCapacity, spec.MaxCapacity)}
	}

	flows := []FlowRecord{}
	for c := 0; c < spec.Collectives; c++ {
		for g := 0; g < spec.Groups; g++ {
			for f := 0; f < spec.FlowsPerGroup; f++ {
				pathLen := 1 + drawInt(rng, maxPath)
				first := drawInt(rng, spec.Links-pathLen+1)
				path := make([]int, pathLen)
				for i := range path {
					path[i] = first + i
				}
				rec := FlowRecord{
					ID:         strconv.Itoa(f),
					Collective: c,
					Group:      g,
					Src:        first,
					Dst:        first + pathLen,
					Links:      path,
					Volume:     uniform(rng, spec.MinVolume, spec.MaxVolume),
				}
				if f > 0 {
					rec.Deps = []string{strconv.Itoa(f - 1)}
				}
				flows = append(flows, rec)
			}
		}
	}
	return flows, links, nil
}

// uniform draws from [lo, hi]
func uniform(rng *rngstream.RngStream, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.RandU01()
}

// drawInt draws from 0 .. n-1
func drawInt(rng *rngstream.RngStream, n int) int {
	v := int(math.Floor(rng.RandU01() * float64(n)))
	if v >= n {
		v = n - 1
	}
	return v
}
