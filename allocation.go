package stellar

// allocation.go holds the second optimization stage, which turns the completion-time bounds of
// the first stage into a rate per group.  Both strategies start from R0 = D/tau, the rate that
// would finish a group's data D exactly at its bound tau.
//
// The bounded search scales R0 down on every link it overloads and then tries every
// combination of rates in a band around the scaled estimate.  The LP strategy minimizes the
// mean collective completion time directly, with each rate capped at R0 plus the band.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// keptSolutions is how many ranked solutions the bounded search retains
const keptSolutions = 1000

// rateFloor is the smallest rate the LP strategy may assign, as a share of the group's cap
const rateFloor = 1e-4

// cutGap is the relative gap between the cutting-plane model and the true objective
// at which the LP strategy stops adding cuts
const cutGap = 1e-6

// RateSolution is one rate assignment with its mean collective completion time
type RateSolution struct {
	Rates     [][]float64 `json:"rates" yaml:"rates"`
	Objective float64     `json:"objective" yaml:"objective"`
}

// MarshalJSON writes an objective that never ends, a group starved to rate 0, as null
func (rs RateSolution) MarshalJSON() ([]byte, error) {
	type plain RateSolution
	return json.Marshal(struct {
		plain
		Objective *float64 `json:"objective"`
	}{plain: plain(rs), Objective: finiteOrNil(rs.Objective)})
}

// UnmarshalJSON reads a null objective back as +Inf
func (rs *RateSolution) UnmarshalJSON(data []byte) error {
	type plain RateSolution
	aux := struct {
		*plain
		Objective *float64 `json:"objective"`
	}{plain: (*plain)(rs)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	rs.Objective = math.Inf(1)
	if aux.Objective != nil {
		rs.Objective = *aux.Objective
	}
	return nil
}

// RateResult is the output of the second stage
type RateResult struct {
	Best RateSolution

	// Solutions lists every feasible assignment found, ascending by objective
	Solutions []RateSolution

	// Initial is R0, Adjusted the per-link rescaled estimate (bounded search only)
	Initial  [][]float64
	Adjusted [][]float64

	// Ablation evaluates R0 on its own
	Ablation RateSolution

	// Rounds counts cutting-plane rounds, Combinations the assignments enumerated
	Rounds       int
	Combinations int

	Elapsed time.Duration
}

// InitialRates computes R0(k,n) = D(k,n) / tau(k,n)
func InitialRates(m *Model, tau [][]float64) [][]float64 {
	r0 := m.NewRates()
	for _, gi := range m.GroupIndices() {
		r0[gi.K][gi.N] = m.GroupVolume(gi.K, gi.N) / tau[gi.K][gi.N]
	}
	return r0
}

// AdjustRates visits the links in ascending id order and, where the groups crossing a link
// ask for more than its capacity in R0, scales their R0 rates down in proportion to fit it
// exactly.  Every link works from R0, not from earlier adjustments, so a group crossing several
// congested links keeps the adjustment of the last of them
func AdjustRates(m *Model, r0 [][]float64) [][]float64 {
	adjusted := cloneRates(r0)
	for e, link := range m.Links {
		gis := m.LinkGroups(e)
		total := 0.0
		for _, gi := range gis {
			total += r0[gi.K][gi.N]
		}
		if total <= link.Capacity {
			continue
		}
		for _, gi := range gis {
			adjusted[gi.K][gi.N] = r0[gi.K][gi.N] * link.Capacity / total
		}
	}
	return adjusted
}

// SearchRates is the bounded-search strategy.  It is refused with ErrResourceExhaustion
// before enumerating anything when the instance has more groups, or more combinations, than
// the configured limits
func SearchRates(ctx context.Context, m *Model, pr *Priority, params *Params) (*RateResult, error) {
	logger := loggerFrom(ctx)
	start := time.Now()

	gis := m.GroupIndices()
	if len(gis) > params.MaxSearchGroups {
		return nil, fmt.Errorf("%w: %d groups exceed the search limit of %d",
			ErrResourceExhaustion, len(gis), params.MaxSearchGroups)
	}

	res := new(RateResult)
	res.Initial = InitialRates(m, pr.Tau)
	res.Adjusted = AdjustRates(m, res.Initial)
	res.Ablation = RateSolution{Rates: cloneRates(res.Initial), Objective: AverageCompletionTime(m, res.Initial)}

	// the candidate rates of every group, in the band around its adjusted estimate
	band := params.SmallLambda * float64(params.JumpRange)
	steps := 2 * params.JumpRange
	candidates := make([][]float64, len(gis))
	combos := 1
	for g, gi := range gis {
		for i := 0; i < steps; i++ {
			rate := res.Adjusted[gi.K][gi.N] - band + float64(i)*params.SmallLambda
			if rate > 0 {
				candidates[g] = append(candidates[g], rate)
			}
		}
		if len(candidates[g]) == 0 {
			return nil, fmt.Errorf("%w: no positive candidate rate for group %s", ErrInfeasibleModel, m.Key(gi))
		}
		if combos > params.MaxSearchCombinations/len(candidates[g]) {
			return nil, fmt.Errorf("%w: more than %d rate combinations",
				ErrResourceExhaustion, params.MaxSearchCombinations)
		}
		combos *= len(candidates[g])
	}
	logger.Info("searching group rates", zap.Int("groups", len(gis)), zap.Int("combinations", combos),
		zap.Float64("band", band))

	table := m.linkTable()
	odometer := make([]int, len(gis))
	rates := m.NewRates()
	for n := 0; n < combos; n++ {
		if n%1024 == 0 {
			if err := ctxErr(ctx, "rate search"); err != nil {
				return nil, err
			}
		}
		for g, gi := range gis {
			rates[gi.K][gi.N] = candidates[g][odometer[g]]
		}
		if fitsCapacity(m, table, rates, params.Tolerance) {
			res.Solutions = append(res.Solutions, RateSolution{Rates: cloneRates(rates), Objective: AverageCompletionTime(m, rates)})
			if len(res.Solutions) >= 2*keptSolutions {
				res.Solutions = rankSolutions(res.Solutions)
			}
		}

		for g := range odometer {
			odometer[g] += 1
			if odometer[g] < len(candidates[g]) {
				break
			}
			odometer[g] = 0
		}
	}
	res.Combinations = combos

	if len(res.Solutions) == 0 {
		return nil, fmt.Errorf("%w: no rate combination in the band fits the link capacities", ErrInfeasibleModel)
	}
	res.Solutions = rankSolutions(res.Solutions)
	res.Best = res.Solutions[0]
	res.Elapsed = time.Since(start)

	logger.Info("group rates searched", zap.Int("feasible", len(res.Solutions)),
		zap.Float64("objective", res.Best.Objective), zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// rankSolutions sorts ascending by objective, keeping enumeration order among ties, and
// drops everything past keptSolutions
func rankSolutions(sols []RateSolution) []RateSolution {
	sort.SliceStable(sols, func(i, j int) bool { return sols[i].Objective < sols[j].Objective })
	if len(sols) > keptSolutions {
		sols = sols[:keptSolutions]
	}
	return sols
}

// fitsCapacity reports whether no link carries more than its capacity
func fitsCapacity(m *Model, table [][]GroupIndex, rates [][]float64, tol float64) bool {
	for e, link := range m.Links {
		total := 0.0
		for _, gi := range table[e] {
			total += rates[gi.K][gi.N]
		}
		if total > link.Capacity+capacityEps(link.Capacity, tol) {
			return false
		}
	}
	return true
}

// OptimizeRatesLP is the LP strategy: minimize (1/K) sum_k max_n D(k,n)/r(k,n) subject to the
// link capacities and r(k,n) <= R0(k,n) + band.  The convex objective is approached from below
// by tangent cuts t_k >= D/p - D/p^2 (r - p); each round solves the LP over the cuts found so far
// and adds a cut at the solution for every group whose true completion time it underestimates
func OptimizeRatesLP(ctx context.Context, m *Model, pr *Priority, params *Params) (*RateResult, error) {
	logger := loggerFrom(ctx)
	start := time.Now()

	gis := m.GroupIndices()
	K := float64(m.NumCollectives())
	band := params.SmallLambda * float64(params.JumpRange)

	res := new(RateResult)
	res.Initial = InitialRates(m, pr.Tau)
	res.Ablation = RateSolution{Rates: cloneRates(res.Initial), Objective: AverageCompletionTime(m, res.Initial)}

	p := newProgram("rate-lp")
	rv := make([]int, len(gis))
	volume := make([]float64, len(gis))
	for g, gi := range gis {
		hi := res.Initial[gi.K][gi.N] + band
		rv[g] = p.addVar(fmt.Sprintf("R[%d,%d]", gi.K, gi.N), hi*rateFloor, hi, false, 0)
		volume[g] = m.GroupVolume(gi.K, gi.N)
	}
	tv := make([]int, m.NumCollectives())
	for k := range m.Collectives {
		tv[k] = p.addVar(fmt.Sprintf("T[%d]", k), 0, math.Inf(1), false, 1/K)
	}

	for e, link := range m.Links {
		terms := []lpTerm{}
		for _, gi := range m.LinkGroups(e) {
			terms = append(terms, lpTerm{rv[groupOffset(m, gi)], 1})
		}
		if len(terms) > 0 {
			p.addRow(fmt.Sprintf("capacity[%d]", link.ID), senseLE, link.Capacity, terms...)
		}
	}

	addCut := func(g int, at float64) {
		D := volume[g]
		p.addRow(fmt.Sprintf("cut[%d]", len(p.rows)), senseGE, 2*D/at,
			lpTerm{tv[gis[g].K], 1}, lpTerm{rv[g], D / (at * at)})
	}
	for g := range gis {
		if volume[g] == 0 {
			continue
		}
		hi := p.hi[rv[g]]
		for _, share := range []float64{1, 0.5, 0.25, 0.125} {
			addCut(g, hi*share)
		}
	}

	best := RateSolution{Objective: math.Inf(1)}
	for round := 1; round <= params.MaxCutRounds; round++ {
		if err := ctxErr(ctx, p.name); err != nil {
			return nil, err
		}
		sol, err := p.solveLP(ctx)
		if err != nil {
			return nil, fmt.Errorf("rate optimization: %w", err)
		}
		res.Rounds = round

		rates := m.NewRates()
		for g, gi := range gis {
			rates[gi.K][gi.N] = sol.X[rv[g]]
		}
		actual := AverageCompletionTime(m, rates)
		if actual < best.Objective {
			best = RateSolution{Rates: rates, Objective: actual}
		}
		logger.Debug("cutting-plane round", zap.Int("round", round),
			zap.Float64("model", sol.Objective), zap.Float64("actual", actual))

		if actual-sol.Objective <= cutGap*math.Max(1, actual) {
			break
		}
		added := 0
		for g, gi := range gis {
			r := sol.X[rv[g]]
			if volume[g] == 0 {
				continue
			}
			if volume[g]/r > sol.X[tv[gi.K]]*(1+cutGap)+cutGap {
				addCut(g, r)
				added += 1
			}
		}
		if added == 0 {
			break
		}
	}

	res.Best = best
	res.Solutions = []RateSolution{best}
	res.Elapsed = time.Since(start)
	logger.Info("group rates optimized", zap.Int("rounds", res.Rounds),
		zap.Float64("objective", best.Objective), zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// groupOffset is the position of a group in GroupIndices order
func groupOffset(m *Model, gi GroupIndex) int {
	offset := gi.N
	for k := 0; k < gi.K; k++ {
		offset += m.NumGroups(k)
	}
	return offset
}

func cloneRates(rates [][]float64) [][]float64 {
	c := make([][]float64, len(rates))
	for k := range rates {
		c[k] = append([]float64(nil), rates[k]...)
	}
	return c
}

// capacityEps is the overshoot tolerated on a link of the given capacity
func capacityEps(capacity, tol float64) float64 {
	return tol * math.Max(1, capacity)
}
