package stellar

// metrics.go exposes solver activity as prometheus collectors.  A nil *Metrics records nothing,
// so library code calls its methods unconditionally.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// stage labels
const (
	StageCompletionTime = "completion-time"
	StageRates          = "rates"
	StageChunk          = "flow-chunk"
)

// allocation outcome labels
const (
	OutcomeSuccess    = "success"
	OutcomeInfeasible = "infeasible"
	OutcomeTimeout    = "timeout"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// Metrics holds the collectors of one Scheduler
type Metrics struct {
	solveDuration *prometheus.HistogramVec
	allocations   *prometheus.CounterVec
	branchNodes   *prometheus.CounterVec
	avgCompletion *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg (none when reg is nil)
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		solveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stellar",
			Name:      "solve_duration_seconds",
			Help:      "Wall-clock time of one scheduling call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"strategy"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellar",
			Name:      "allocations_total",
			Help:      "Scheduling calls by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		branchNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellar",
			Name:      "branch_nodes_total",
			Help:      "Branch-and-bound nodes explored, by stage.",
		}, []string{"stage"}),
		avgCompletion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stellar",
			Name:      "avg_completion_time",
			Help:      "Objective of the most recent successful call, by strategy.",
		}, []string{"strategy"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.solveDuration, m.allocations, m.branchNodes, m.avgCompletion} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeSolve(strategy string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.solveDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (m *Metrics) countOutcome(strategy, outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) observeNodes(stage string, nodes int) {
	if m == nil {
		return
	}
	m.branchNodes.WithLabelValues(stage).Add(float64(nodes))
}

func (m *Metrics) setObjective(strategy string, objective float64) {
	if m == nil {
		return
	}
	m.avgCompletion.WithLabelValues(strategy).Set(objective)
}
