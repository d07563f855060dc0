package stellar

// lp.go is a small linear-program builder in front of gonum's simplex.  Programs are written
// in the natural form the optimizers think in: bounded variables and <=, >= or = rows.  Before
// each solve the program is rewritten into the standard form the simplex accepts
//
//     minimize c'y  subject to  Ay = b, y >= 0
//
// by shifting every variable to its lower bound, folding fixed variables into the right-hand
// side, giving each inequality and each finite upper bound a slack column, and flipping rows
// so b >= 0.  Bounds are passed per solve so branch-and-bound can tighten them without
// copying the rows.

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// simplexTol is handed to gonum's simplex
const simplexTol = 1e-10

// simplexFunc is the simplex every relaxation goes through
var simplexFunc = lp.Simplex

// feasTol is the slack accepted on rows that reduce to constants
const feasTol = 1e-9

type rowSense int

const (
	senseLE rowSense = iota
	senseGE
	senseEQ
)

var senseToStr map[rowSense]string = map[rowSense]string{senseLE: "<=", senseGE: ">=", senseEQ: "="}

// lpTerm is one coefficient of a row
type lpTerm struct {
	v    int
	coef float64
}

type lpRow struct {
	name  string
	terms []lpTerm
	sense rowSense
	rhs   float64
}

// lpProgram holds the variables, rows and objective of a (mixed-integer) linear program
type lpProgram struct {
	name    string
	varName []string
	lo      []float64
	hi      []float64
	integer []bool
	cost    []float64
	rows    []lpRow
}

// lpSolution is the result of one solve
type lpSolution struct {
	Objective float64
	X         []float64

	// Optimal is false when branch-and-bound stopped on its node limit with an incumbent
	Optimal bool

	// Nodes is the number of branch-and-bound nodes explored
	Nodes int
}

func newProgram(name string) *lpProgram {
	return &lpProgram{name: name}
}

// addVar adds a variable with bounds [lo, hi] (hi may be +Inf) and objective coefficient cost,
// returning its index.  The lower bound has to be finite
func (p *lpProgram) addVar(name string, lo, hi float64, integer bool, cost float64) int {
	p.varName = append(p.varName, name)
	p.lo = append(p.lo, lo)
	p.hi = append(p.hi, hi)
	p.integer = append(p.integer, integer)
	p.cost = append(p.cost, cost)
	return len(p.lo) - 1
}

// addBinary adds a {0,1} variable
func (p *lpProgram) addBinary(name string, cost float64) int {
	return p.addVar(name, 0, 1, true, cost)
}

// addRow adds the row  sum(terms) <sense> rhs.  Repeated variables are summed
func (p *lpProgram) addRow(name string, sense rowSense, rhs float64, terms ...lpTerm) {
	p.rows = append(p.rows, lpRow{name: name, terms: terms, sense: sense, rhs: rhs})
}

func (p *lpProgram) numVars() int { return len(p.lo) }

func (p *lpProgram) numRows() int { return len(p.rows) }

// objective evaluates the objective at x
func (p *lpProgram) objective(x []float64) float64 {
	total := 0.0
	for j, c := range p.cost {
		total += c * x[j]
	}
	return total
}

// violation returns the largest amount by which x breaks a row or a bound
func (p *lpProgram) violation(x []float64) float64 {
	worst := 0.0
	for j := range x {
		worst = math.Max(worst, p.lo[j]-x[j])
		worst = math.Max(worst, x[j]-p.hi[j])
	}
	for _, row := range p.rows {
		lhs := 0.0
		for _, t := range row.terms {
			lhs += t.coef * x[t.v]
		}
		switch row.sense {
		case senseLE:
			worst = math.Max(worst, lhs-row.rhs)
		case senseGE:
			worst = math.Max(worst, row.rhs-lhs)
		case senseEQ:
			worst = math.Max(worst, math.Abs(lhs-row.rhs))
		}
	}
	return worst
}

// solveLP solves the continuous relaxation using the program's own bounds
func (p *lpProgram) solveLP(ctx context.Context) (*lpSolution, error) {
	return p.solveRelaxation(ctx, p.lo, p.hi)
}

// solveRelaxation solves the continuous relaxation of the program under the bounds lo, hi.
// No solution is ErrInfeasibleModel, an expired ctx is ErrSolverTimeout, anything else going
// wrong is ErrSolver
func (p *lpProgram) solveRelaxation(ctx context.Context, lo, hi []float64) (*lpSolution, error) {
	nv := p.numVars()
	for j := 0; j < nv; j++ {
		if math.IsInf(lo[j], 0) || math.IsNaN(lo[j]) {
			return nil, fmt.Errorf("%w: %s: variable %s has no finite lower bound", ErrSolver, p.name, p.varName[j])
		}
	}

	pre, err := p.presolve(lo, hi)
	if err != nil {
		return nil, err
	}
	lo, hi = pre.lo, pre.hi

	// columns for the variables that are not fixed
	col := make([]int, nv)
	ncol := 0
	for j := 0; j < nv; j++ {
		if pre.fixed(j) {
			col[j] = -1
			continue
		}
		col[j] = ncol
		ncol += 1
	}

	// rows over the free columns, with the fixed part moved to the right-hand side
	type stdRow struct {
		a     map[int]float64
		slack float64 // +1, -1 or 0 for equality
		b     float64
	}
	rows := []stdRow{}
	used := make([]bool, ncol)

	for r, row := range p.rows {
		if pre.absorbed[r] {
			continue
		}
		a := make(map[int]float64)
		b := row.rhs
		for _, t := range row.terms {
			b -= t.coef * lo[t.v]
			if col[t.v] >= 0 {
				a[col[t.v]] += t.coef
			}
		}
		for c, v := range a {
			if v == 0 {
				delete(a, c)
			}
		}
		sr := stdRow{a: a, b: b}
		switch row.sense {
		case senseLE:
			sr.slack = 1
		case senseGE:
			sr.slack = -1
		}
		for c := range a {
			used[c] = true
		}
		rows = append(rows, sr)
	}

	// finite upper bounds become  y + s = hi - lo
	for j := 0; j < nv; j++ {
		if col[j] < 0 || math.IsInf(hi[j], 1) {
			continue
		}
		used[col[j]] = true
		rows = append(rows, stdRow{a: map[int]float64{col[j]: 1}, slack: 1, b: hi[j] - lo[j]})
	}

	// a free column no row mentions sits at its lower bound, unless lowering the objective
	// pulls it up without limit
	keep := make([]int, 0, ncol)
	for j := 0; j < nv; j++ {
		if col[j] < 0 {
			continue
		}
		if !used[col[j]] {
			if p.cost[j] < 0 {
				return nil, fmt.Errorf("%w: %s: objective unbounded along %s", ErrSolver, p.name, p.varName[j])
			}
			col[j] = -1
			continue
		}
		keep = append(keep, j)
	}
	reindex := make(map[int]int, len(keep))
	for idx, j := range keep {
		reindex[col[j]] = idx
	}

	x := make([]float64, nv)
	copy(x, lo)

	m := len(rows)
	if m == 0 {
		return &lpSolution{Objective: p.objective(x), X: x, Optimal: true}, nil
	}

	nslack := 0
	for _, sr := range rows {
		if sr.slack != 0 {
			nslack += 1
		}
	}
	n := len(keep) + nslack
	if m > n {
		return nil, fmt.Errorf("%w: %s: %d rows over %d columns", ErrSolver, p.name, m, n)
	}

	A := mat.NewDense(m, n, nil)
	b := make([]float64, m)
	c := make([]float64, n)
	for idx, j := range keep {
		c[idx] = p.cost[j]
	}
	next := len(keep)
	for i, sr := range rows {
		sign := 1.0
		if sr.b < 0 {
			sign = -1.0
		}
		for oc, v := range sr.a {
			A.Set(i, reindex[oc], sign*v)
		}
		if sr.slack != 0 {
			A.Set(i, next, sign*sr.slack)
			next += 1
		}
		b[i] = sign * sr.b
	}

	y, err := p.simplex(ctx, c, A, b)
	if err != nil {
		switch {
		case errors.Is(err, ErrSolverTimeout):
			return nil, err
		case errors.Is(err, lp.ErrInfeasible):
			return nil, fmt.Errorf("%w: %s", ErrInfeasibleModel, p.name)
		case errors.Is(err, lp.ErrUnbounded):
			return nil, fmt.Errorf("%w: %s: unbounded", ErrSolver, p.name)
		default:
			return nil, fmt.Errorf("%w: %s: %v", ErrSolver, p.name, err)
		}
	}

	for idx, j := range keep {
		x[j] = math.Min(math.Max(lo[j]+y[idx], lo[j]), hi[j])
	}
	return &lpSolution{Objective: p.objective(x), X: x, Optimal: true}, nil
}

// simplex runs gonum's simplex on its own goroutine and waits for it or for ctx, whichever
// comes first.  lp.Simplex cannot be interrupted, so a call abandoned on expiry runs on until
// it returns and its result is dropped
func (p *lpProgram) simplex(ctx context.Context, c []float64, A mat.Matrix, b []float64) ([]float64, error) {
	if err := ctxErr(ctx, p.name); err != nil {
		return nil, err
	}
	type outcome struct {
		y   []float64
		err error
	}
	solve := simplexFunc
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("simplex: %v", r)}
			}
		}()
		_, y, err := solve(c, A, b, simplexTol, nil)
		done <- outcome{y: y, err: err}
	}()
	select {
	case out := <-done:
		return out.y, out.err
	case <-ctx.Done():
		return nil, ctxErr(ctx, p.name)
	}
}

// presolved carries the bounds after singleton rows have been folded into them
type presolved struct {
	lo, hi   []float64
	absorbed []bool
}

func (ps *presolved) fixed(j int) bool {
	return ps.hi[j]-ps.lo[j] <= feasTol
}

// presolve turns every row left with a single free variable into a bound on that variable,
// repeating while that fixes further variables.  Rows reduced to constants are checked and
// dropped.  Without this, rows that become copies of one another after branching would leave
// the simplex with a singular basis
func (p *lpProgram) presolve(lo, hi []float64) (*presolved, error) {
	ps := &presolved{
		lo:       append([]float64(nil), lo...),
		hi:       append([]float64(nil), hi...),
		absorbed: make([]bool, len(p.rows)),
	}
	for j := range ps.lo {
		if p.integer[j] {
			ps.lo[j] = math.Ceil(ps.lo[j] - feasTol)
			if !math.IsInf(ps.hi[j], 1) {
				ps.hi[j] = math.Floor(ps.hi[j] + feasTol)
			}
		}
		if ps.hi[j] < ps.lo[j]-feasTol {
			return nil, fmt.Errorf("%w: %s: bounds of %s cross", ErrInfeasibleModel, p.name, p.varName[j])
		}
		if ps.fixed(j) {
			ps.hi[j] = ps.lo[j]
		}
	}

	for changed := true; changed; {
		changed = false
		for r, row := range p.rows {
			if ps.absorbed[r] {
				continue
			}
			rest := row.rhs
			free := -1
			coef := 0.0
			multi := false
			for _, t := range row.terms {
				if ps.fixed(t.v) {
					rest -= t.coef * ps.lo[t.v]
					continue
				}
				if free >= 0 && free != t.v {
					multi = true
					break
				}
				free = t.v
				coef += t.coef
			}
			if multi {
				continue
			}
			if free < 0 || coef == 0 {
				if !constantRowHolds(row.sense, rest) {
					return nil, fmt.Errorf("%w: %s: row %s cannot hold", ErrInfeasibleModel, p.name, row.name)
				}
				ps.absorbed[r] = true
				continue
			}

			bound := rest / coef
			lower, upper := false, false
			switch row.sense {
			case senseEQ:
				lower, upper = true, true
			case senseLE:
				upper = coef > 0
				lower = coef < 0
			case senseGE:
				lower = coef > 0
				upper = coef < 0
			}
			if lower && bound > ps.lo[free] {
				ps.lo[free] = bound
			}
			if upper && bound < ps.hi[free] {
				ps.hi[free] = bound
			}
			if p.integer[free] {
				ps.lo[free] = math.Ceil(ps.lo[free] - feasTol)
				if !math.IsInf(ps.hi[free], 1) {
					ps.hi[free] = math.Floor(ps.hi[free] + feasTol)
				}
			}
			if ps.hi[free] < ps.lo[free]-feasTol {
				return nil, fmt.Errorf("%w: %s: row %s empties the range of %s", ErrInfeasibleModel, p.name, row.name, p.varName[free])
			}
			if ps.fixed(free) {
				ps.hi[free] = ps.lo[free]
				changed = true
			}
			ps.absorbed[r] = true
		}
	}
	return ps, nil
}

func constantRowHolds(sense rowSense, b float64) bool {
	switch sense {
	case senseLE:
		return 0 <= b+feasTol
	case senseGE:
		return 0 >= b-feasTol
	}
	return math.Abs(b) <= feasTol
}

// String lists the program in a readable form, for debugging and tests
func (p *lpProgram) String() string {
	str := fmt.Sprintf("program %s: %d variables, %d rows\n", p.name, p.numVars(), p.numRows())
	for _, row := range p.rows {
		str += "  " + row.name + ":"
		for _, t := range row.terms {
			str += fmt.Sprintf(" %+g*%s", t.coef, p.varName[t.v])
		}
		str += fmt.Sprintf(" %s %g\n", senseToStr[row.sense], row.rhs)
	}
	return str
}
