package stellar

// params.go holds the parameter set shared by the optimizers and allocators.  The
// optimizer keys keep the names used by the experiment configuration files (T, segment_base,
// is_segment, small_lambda, jump_range, model_path); the rest bound the solvers.
// LoadParams layers defaults, an optional json/yaml file and STELLAR_* environment variables.

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// DefaultUnitDivisor converts raw bits per second (and bits) to the internal unit, MB
const DefaultUnitDivisor = 8 * 1024 * 1024

// Params gathers the configuration of one scheduling run
type Params struct {
	// T is the Stage-1 time horizon
	T int `json:"T" yaml:"T" mapstructure:"T"`

	// SegmentBase is the growth base of the geometric Stage-1 intervals
	SegmentBase float64 `json:"segment_base" yaml:"segment_base" mapstructure:"segment_base"`

	// IsSegment selects geometric intervals (true) or unit intervals (false)
	IsSegment bool `json:"is_segment" yaml:"is_segment" mapstructure:"is_segment"`

	// SmallLambda is the Stage-2 search step
	SmallLambda float64 `json:"small_lambda" yaml:"small_lambda" mapstructure:"small_lambda"`

	// JumpRange is the number of steps on either side of the Stage-2 estimate
	JumpRange int `json:"jump_range" yaml:"jump_range" mapstructure:"jump_range"`

	// ModelPath is the directory results are persisted into
	ModelPath string `json:"model_path" yaml:"model_path" mapstructure:"model_path"`

	// Strategy names the Allocator used by Scheduler.Allocate
	Strategy string `json:"strategy" yaml:"strategy" mapstructure:"strategy"`

	MaxSearchGroups       int           `json:"max_search_groups" yaml:"max_search_groups" mapstructure:"max_search_groups"`
	MaxSearchCombinations int           `json:"max_search_combinations" yaml:"max_search_combinations" mapstructure:"max_search_combinations"`
	MaxCutRounds          int           `json:"max_cut_rounds" yaml:"max_cut_rounds" mapstructure:"max_cut_rounds"`
	MaxBranchNodes        int           `json:"max_branch_nodes" yaml:"max_branch_nodes" mapstructure:"max_branch_nodes"`
	SolverTimeout         time.Duration `json:"solver_timeout" yaml:"solver_timeout" mapstructure:"solver_timeout"`

	// UnitDivisor normalizes raw capacities and volumes on load
	UnitDivisor float64 `json:"unit_divisor" yaml:"unit_divisor" mapstructure:"unit_divisor"`

	// BigM is the disjunction constant of the chunk scheduler, 0 derives it from the instance
	BigM float64 `json:"big_m" yaml:"big_m" mapstructure:"big_m"`

	// Tolerance is the slack allowed on capacity checks and integrality
	Tolerance float64 `json:"tolerance" yaml:"tolerance" mapstructure:"tolerance"`
}

// DefaultParams returns the parameter set used when nothing is configured
func DefaultParams() *Params {
	return &Params{
		T:                     10,
		SegmentBase:           2,
		IsSegment:             false,
		SmallLambda:           0.1,
		JumpRange:             5,
		ModelPath:             "results",
		Strategy:              StrategyStellarLP,
		MaxSearchGroups:       6,
		MaxSearchCombinations: 1_000_000,
		MaxCutRounds:          60,
		MaxBranchNodes:        20_000,
		SolverTimeout:         30 * time.Second,
		UnitDivisor:           DefaultUnitDivisor,
		BigM:                  0,
		Tolerance:             1e-6,
	}
}

// Validate checks every field and reports all problems together
func (p *Params) Validate() error {
	var errs error
	if p.T < 1 {
		errs = multierr.Append(errs, inputErrorf("T", "horizon %d must be at least 1", p.T))
	}
	if p.IsSegment && !(p.SegmentBase > 1) {
		errs = multierr.Append(errs, inputErrorf("segment_base", "base %g must exceed 1", p.SegmentBase))
	}
	if !(p.SmallLambda > 0) {
		errs = multierr.Append(errs, inputErrorf("small_lambda", "step %g must be positive", p.SmallLambda))
	}
	if p.JumpRange < 1 {
		errs = multierr.Append(errs, inputErrorf("jump_range", "range %d must be at least 1", p.JumpRange))
	}
	if !isStrategy(p.Strategy) && p.Strategy != StrategyFlowChunk {
		errs = multierr.Append(errs, inputErrorf("strategy", "unknown strategy %q", p.Strategy))
	}
	if p.MaxSearchGroups < 1 {
		errs = multierr.Append(errs, inputErrorf("max_search_groups", "limit %d must be at least 1", p.MaxSearchGroups))
	}
	if p.MaxSearchCombinations < 1 {
		errs = multierr.Append(errs, inputErrorf("max_search_combinations", "limit %d must be at least 1", p.MaxSearchCombinations))
	}
	if p.MaxCutRounds < 1 {
		errs = multierr.Append(errs, inputErrorf("max_cut_rounds", "limit %d must be at least 1", p.MaxCutRounds))
	}
	if p.MaxBranchNodes < 1 {
		errs = multierr.Append(errs, inputErrorf("max_branch_nodes", "limit %d must be at least 1", p.MaxBranchNodes))
	}
	if p.SolverTimeout < 0 {
		errs = multierr.Append(errs, inputErrorf("solver_timeout", "timeout %s is negative", p.SolverTimeout))
	}
	if !(p.UnitDivisor > 0) || math.IsInf(p.UnitDivisor, 0) {
		errs = multierr.Append(errs, inputErrorf("unit_divisor", "divisor %g must be positive", p.UnitDivisor))
	}
	if p.BigM < 0 {
		errs = multierr.Append(errs, inputErrorf("big_m", "constant %g is negative", p.BigM))
	}
	if p.Tolerance < 0 || p.Tolerance >= 1 {
		errs = multierr.Append(errs, inputErrorf("tolerance", "tolerance %g outside [0,1)", p.Tolerance))
	}
	return errs
}

// Clone returns an independent copy
func (p *Params) Clone() *Params {
	cp := *p
	return &cp
}

// LoadParams builds a parameter set from the defaults, then the file (when filename is
// not empty, json or yaml by extension), then STELLAR_<KEY> environment variables
func LoadParams(filename string) (*Params, error) {
	v := viper.New()
	defaults := DefaultParams()
	v.SetDefault("T", defaults.T)
	v.SetDefault("segment_base", defaults.SegmentBase)
	v.SetDefault("is_segment", defaults.IsSegment)
	v.SetDefault("small_lambda", defaults.SmallLambda)
	v.SetDefault("jump_range", defaults.JumpRange)
	v.SetDefault("model_path", defaults.ModelPath)
	v.SetDefault("strategy", defaults.Strategy)
	v.SetDefault("max_search_groups", defaults.MaxSearchGroups)
	v.SetDefault("max_search_combinations", defaults.MaxSearchCombinations)
	v.SetDefault("max_cut_rounds", defaults.MaxCutRounds)
	v.SetDefault("max_branch_nodes", defaults.MaxBranchNodes)
	v.SetDefault("solver_timeout", defaults.SolverTimeout)
	v.SetDefault("unit_divisor", defaults.UnitDivisor)
	v.SetDefault("big_m", defaults.BigM)
	v.SetDefault("tolerance", defaults.Tolerance)

	v.SetEnvPrefix("STELLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading params %s: %w", filename, err)
		}
	}

	params := new(Params)
	if err := v.Unmarshal(params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}
