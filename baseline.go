package stellar

// baseline.go holds the heuristic allocators the two-stage optimizer is compared against.
//
// The average and data-aware heuristics walk the links from the smallest capacity up.  On each
// link whatever the groups fixed so far already take is subtracted, and the rest is split among
// the groups crossing the link that have no rate yet, evenly or in proportion to what each
// sends across the link.  A group keeps the first positive share it is given.
//
// The barrier-aware heuristic is a global max-min fair allocation weighted by data.  Each
// round finds the link with the least remaining capacity per unit of unserved demand and fixes
// every open group crossing it.

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// linksByCapacity returns link columns ordered by ascending capacity, ascending id among equals
func linksByCapacity(m *Model) []int {
	order := make([]int, len(m.Links))
	for e := range order {
		order[e] = e
	}
	sort.SliceStable(order, func(i, j int) bool {
		return m.Links[order[i]].Capacity < m.Links[order[j]].Capacity
	})
	return order
}

// shareFunc weighs a group's claim on a link column
type shareFunc func(m *Model, gi GroupIndex, e int) float64

func evenShare(m *Model, gi GroupIndex, e int) float64 { return 1 }

func dataShare(m *Model, gi GroupIndex, e int) float64 { return m.GroupLinkData(gi.K, gi.N, e) }

// splitLinks runs the finalize-once traversal shared by the average and data-aware heuristics
func splitLinks(m *Model, share shareFunc) [][]float64 {
	rates := m.NewRates()
	final := make(map[GroupIndex]bool)

	for _, e := range linksByCapacity(m) {
		gis := m.LinkGroups(e)
		remaining := m.Links[e].Capacity
		open := []GroupIndex{}
		for _, gi := range gis {
			if final[gi] {
				remaining -= rates[gi.K][gi.N]
			} else {
				open = append(open, gi)
			}
		}
		remaining = math.Max(remaining, 0)
		if len(open) == 0 || remaining == 0 {
			continue
		}

		weights := make([]float64, len(open))
		total := 0.0
		for idx, gi := range open {
			weights[idx] = share(m, gi, e)
			total += weights[idx]
		}
		if total == 0 {
			continue
		}
		for idx, gi := range open {
			rate := remaining * weights[idx] / total
			if rate > 0 {
				rates[gi.K][gi.N] = rate
				final[gi] = true
			}
		}
		logger.Debug("link split", zap.Int("link", m.Links[e].ID), zap.Float64("remaining", remaining),
			zap.Int("groups", len(open)))
	}
	return rates
}

// AverageRates is the average heuristic
func AverageRates(m *Model) [][]float64 {
	return splitLinks(m, evenShare)
}

// DataAwareRates is the data-volume-aware heuristic
func DataAwareRates(m *Model) [][]float64 {
	return splitLinks(m, dataShare)
}

// BarrierAwareRates is the global max-min fair heuristic.  Each round
//  1. subtracts the rates of the fixed groups from every link's capacity,
//  2. computes, for every open link, remaining capacity over the data the open groups send across it,
//  3. takes the smallest such ratio lambda, the bottleneck,
//  4. fixes every open group crossing a bottleneck link at lambda times the data it sends across
//     that link, the smallest such value when it crosses several,
//  5. closes the bottleneck links.
//
// Each round fixes at least one group, so there are at most as many rounds as groups.  Groups
// without data are fixed at rate 0 up front.  The number of rounds is returned with the rates
func BarrierAwareRates(m *Model) ([][]float64, int) {
	rates := m.NewRates()
	table := m.linkTable()

	openGroups := make(map[GroupIndex]bool)
	for _, gi := range m.GroupIndices() {
		if m.GroupVolume(gi.K, gi.N) > 0 {
			openGroups[gi] = true
		}
	}
	openLinks := make(map[int]bool, len(m.Links))
	for e := range m.Links {
		openLinks[e] = true
	}

	// demand[e][gi] is the data group gi sends across link column e
	demand := make([]map[GroupIndex]float64, len(m.Links))
	for e := range m.Links {
		demand[e] = make(map[GroupIndex]float64)
		for _, gi := range table[e] {
			if d := m.GroupLinkData(gi.K, gi.N, e); d > 0 {
				demand[e][gi] = d
			}
		}
	}

	rounds := 0
	for len(openGroups) > 0 {
		lambda := math.Inf(1)
		ratio := make(map[int]float64)
		for e := range m.Links {
			if !openLinks[e] {
				continue
			}
			remaining := m.Links[e].Capacity
			unserved := 0.0
			for gi, d := range demand[e] {
				if openGroups[gi] {
					unserved += d
				} else {
					remaining -= rates[gi.K][gi.N]
				}
			}
			if unserved == 0 {
				continue
			}
			ratio[e] = math.Max(remaining, 0) / unserved
			lambda = math.Min(lambda, ratio[e])
		}
		if len(ratio) == 0 {
			// unreachable while every group with data crosses a link
			break
		}
		rounds += 1

		bottlenecks := []int{}
		for e, r := range ratio {
			if r <= lambda*(1+1e-12) {
				bottlenecks = append(bottlenecks, e)
			}
		}
		sort.Ints(bottlenecks)

		fixed := make(map[GroupIndex]float64)
		for _, e := range bottlenecks {
			for gi, d := range demand[e] {
				if !openGroups[gi] {
					continue
				}
				rate := lambda * d
				if prev, present := fixed[gi]; !present || rate < prev {
					fixed[gi] = rate
				}
			}
			delete(openLinks, e)
		}
		for gi, rate := range fixed {
			rates[gi.K][gi.N] = rate
			delete(openGroups, gi)
		}
		logger.Debug("barrier round", zap.Int("round", rounds), zap.Float64("lambda", lambda),
			zap.Int("bottlenecks", len(bottlenecks)), zap.Int("fixed", len(fixed)))
	}
	return rates, rounds
}

// RepairCapacity walks the links from the smallest capacity up and scales down, in
// proportion, the groups crossing any link they overload.  Scaling only lowers rates, so a
// link that fits stays fitting and one pass suffices
func RepairCapacity(m *Model, rates [][]float64) [][]float64 {
	repaired := cloneRates(rates)
	for _, e := range linksByCapacity(m) {
		gis := m.LinkGroups(e)
		total := 0.0
		for _, gi := range gis {
			total += repaired[gi.K][gi.N]
		}
		capacity := m.Links[e].Capacity
		if total <= capacity {
			continue
		}
		for _, gi := range gis {
			repaired[gi.K][gi.N] *= capacity / total
		}
	}
	return repaired
}
