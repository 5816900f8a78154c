package delegation

import (
	"math"
	"sort"
)

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerHalfOpen = "half_open"
	BreakerOpen     = "open"
)

// Governance actions derived from the breaker state.
const (
	GovernanceNone          = "none"
	GovernanceRejectNew     = "reject_new_delegations"
	GovernanceRequireReauth = "require_reauthorization"
)

// DefaultWindowSize is the evaluation window for the SLO dashboard.
const DefaultWindowSize = 50

// SREPolicy holds the governance thresholds for the delegation SLO.
type SREPolicy struct {
	SuccessRateSLO             float64 `json:"success_rate_slo"`
	LatencyP95MSSLO            float64 `json:"latency_p95_ms_slo"`
	MinSamplesForEnforcement   int     `json:"min_samples_for_enforcement"`
	ErrorBudgetWarningRatio    float64 `json:"error_budget_warning_ratio"`
	HalfOpenErrorRateThreshold float64 `json:"half_open_error_rate_threshold"`
	OpenErrorRateThreshold     float64 `json:"open_error_rate_threshold"`
	OpenHardStopRateThreshold  float64 `json:"open_hard_stop_rate_threshold"`
	OpenLatencyMultiplier      float64 `json:"open_latency_multiplier"`
}

// DefaultSREPolicy returns the stock governance thresholds.
func DefaultSREPolicy() SREPolicy {
	return SREPolicy{
		SuccessRateSLO:             0.99,
		LatencyP95MSSLO:            3000.0,
		MinSamplesForEnforcement:   10,
		ErrorBudgetWarningRatio:    0.8,
		HalfOpenErrorRateThreshold: 0.15,
		OpenErrorRateThreshold:     0.30,
		OpenHardStopRateThreshold:  0.20,
		OpenLatencyMultiplier:      1.5,
	}
}

// WindowStats describes the evaluated record window.
type WindowStats struct {
	Size                 int `json:"size"`
	EvaluatedDelegations int `json:"evaluated_delegations"`
}

// WindowMetrics are the aggregate rates over the window.
type WindowMetrics struct {
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	HardStopRate float64 `json:"hard_stop_rate"`
	LatencyP95MS float64 `json:"latency_p95_ms"`
}

// ErrorBudget tracks allowed versus observed errors for the window.
type ErrorBudget struct {
	AllowedErrors   int     `json:"allowed_errors"`
	ObservedErrors  int     `json:"observed_errors"`
	RemainingErrors int     `json:"remaining_errors"`
	ConsumedRatio   float64 `json:"consumed_ratio"`
}

// BreakerStatus is the admission gate decision.
type BreakerStatus struct {
	State            string   `json:"state"`
	GovernanceAction string   `json:"governance_action"`
	Reasons          []string `json:"reasons"`
}

// Alert is one operator-facing governance alert.
type Alert struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Dashboard is the full SLO view served to operators and consulted by
// the delegation admission gate.
type Dashboard struct {
	Policy         SREPolicy     `json:"policy"`
	Window         WindowStats   `json:"window"`
	Metrics        WindowMetrics `json:"metrics"`
	ErrorBudget    ErrorBudget   `json:"error_budget"`
	CircuitBreaker BreakerStatus `json:"circuit_breaker"`
	Alerts         []Alert       `json:"alerts"`
}

func governanceFor(state string) string {
	switch state {
	case BreakerOpen:
		return GovernanceRejectNew
	case BreakerHalfOpen:
		return GovernanceRequireReauth
	}
	return GovernanceNone
}

// deliveryLatencyMS pulls the delivery-stage latency off a record.
func deliveryLatencyMS(rec *Record) (float64, bool) {
	for _, st := range rec.Lifecycle {
		if st.Stage != "delivery" {
			continue
		}
		switch v := st.Details["latency_ms"].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
		return 0, false
	}
	return 0, false
}

func percentile(values []float64, ratio float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	ordered := make([]float64, len(values))
	copy(ordered, values)
	sort.Float64s(ordered)
	idx := int(math.Ceil(ratio*float64(len(ordered)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(ordered)-1 {
		idx = len(ordered) - 1
	}
	return round3(ordered[idx])
}

func breakerState(total int, metrics WindowMetrics, consumedRatio float64, policy SREPolicy) (string, []string) {
	if total < policy.MinSamplesForEnforcement {
		return BreakerClosed, []string{"insufficient_samples"}
	}

	var reasons []string
	if metrics.ErrorRate >= policy.OpenErrorRateThreshold {
		reasons = append(reasons, "error_rate_open_threshold")
	}
	if metrics.HardStopRate >= policy.OpenHardStopRateThreshold {
		reasons = append(reasons, "hard_stop_rate_open_threshold")
	}
	if metrics.LatencyP95MS > policy.LatencyP95MSSLO*policy.OpenLatencyMultiplier {
		reasons = append(reasons, "latency_critical_threshold")
	}
	if len(reasons) > 0 {
		return BreakerOpen, reasons
	}

	var halfOpen []string
	if metrics.ErrorRate >= policy.HalfOpenErrorRateThreshold {
		halfOpen = append(halfOpen, "error_rate_half_open_threshold")
	}
	if consumedRatio >= policy.ErrorBudgetWarningRatio {
		halfOpen = append(halfOpen, "error_budget_warning_threshold")
	}
	if metrics.LatencyP95MS > policy.LatencyP95MSSLO {
		halfOpen = append(halfOpen, "latency_slo_breach")
	}
	if len(halfOpen) > 0 {
		return BreakerHalfOpen, halfOpen
	}

	return BreakerClosed, []string{"within_governance_thresholds"}
}

func buildAlerts(total int, consumedRatio, latencyP95, hardStopRate float64, policy SREPolicy) []Alert {
	alerts := []Alert{}
	if total < policy.MinSamplesForEnforcement {
		return alerts
	}

	if consumedRatio >= 1.0 {
		alerts = append(alerts, Alert{
			Severity: "critical",
			Code:     "error_budget.exhausted",
			Message:  "Delegation error budget exhausted for evaluation window.",
		})
	} else if consumedRatio >= policy.ErrorBudgetWarningRatio {
		alerts = append(alerts, Alert{
			Severity: "warning",
			Code:     "error_budget.burn_rate_high",
			Message:  "Delegation error budget burn rate is approaching exhaustion.",
		})
	}

	if latencyP95 > policy.LatencyP95MSSLO*policy.OpenLatencyMultiplier {
		alerts = append(alerts, Alert{
			Severity: "critical",
			Code:     "latency.slo_critical",
			Message:  "Delegation p95 latency critically exceeds SLO.",
		})
	} else if latencyP95 > policy.LatencyP95MSSLO {
		alerts = append(alerts, Alert{
			Severity: "warning",
			Code:     "latency.slo_breach",
			Message:  "Delegation p95 latency exceeds SLO.",
		})
	}

	if hardStopRate >= policy.OpenHardStopRateThreshold {
		alerts = append(alerts, Alert{
			Severity: "critical",
			Code:     "circuit_breaker.hard_stop_rate",
			Message:  "Hard-stop rate exceeded circuit-breaker governance threshold.",
		})
	}

	return alerts
}

// BuildDashboard evaluates the governance thresholds over the supplied
// records (newest first, already truncated by the caller's window).
func BuildDashboard(records []Record, windowSize int, policy SREPolicy) *Dashboard {
	if windowSize < 1 {
		windowSize = 1
	}
	window := records
	if len(window) > windowSize {
		window = window[:windowSize]
	}
	total := len(window)

	if total == 0 {
		return &Dashboard{
			Policy:  policy,
			Window:  WindowStats{Size: windowSize, EvaluatedDelegations: 0},
			Metrics: WindowMetrics{SuccessRate: 1.0},
			ErrorBudget: ErrorBudget{
				AllowedErrors:   1,
				RemainingErrors: 1,
			},
			CircuitBreaker: BreakerStatus{
				State:            BreakerClosed,
				GovernanceAction: GovernanceNone,
				Reasons:          []string{"no_delegation_history"},
			},
			Alerts: []Alert{},
		}
	}

	successCount, errorCount, hardStopCount := 0, 0, 0
	var latencies []float64
	for i := range window {
		switch window[i].Status {
		case StatusCompleted:
			successCount++
		default:
			errorCount++
		}
		if window[i].Status == StatusFailedHardStop {
			hardStopCount++
		}
		if latency, ok := deliveryLatencyMS(&window[i]); ok {
			latencies = append(latencies, latency)
		}
	}

	metrics := WindowMetrics{
		SuccessRate:  round4(float64(successCount) / float64(total)),
		ErrorRate:    round4(float64(errorCount) / float64(total)),
		HardStopRate: round4(float64(hardStopCount) / float64(total)),
		LatencyP95MS: percentile(latencies, 0.95),
	}

	allowedErrors := int(float64(total) * (1.0 - policy.SuccessRateSLO))
	if allowedErrors < 1 {
		allowedErrors = 1
	}
	consumedRatio := round4(float64(errorCount) / float64(allowedErrors))
	budget := ErrorBudget{
		AllowedErrors:   allowedErrors,
		ObservedErrors:  errorCount,
		RemainingErrors: allowedErrors - errorCount,
		ConsumedRatio:   consumedRatio,
	}

	state, reasons := breakerState(total, metrics, consumedRatio, policy)

	return &Dashboard{
		Policy:      policy,
		Window:      WindowStats{Size: windowSize, EvaluatedDelegations: total},
		Metrics:     metrics,
		ErrorBudget: budget,
		CircuitBreaker: BreakerStatus{
			State:            state,
			GovernanceAction: governanceFor(state),
			Reasons:          reasons,
		},
		Alerts: buildAlerts(total, consumedRatio, metrics.LatencyP95MS, metrics.HardStopRate, policy),
	}
}

// SLODashboard evaluates the dashboard over the most recent records.
func (s *Service) SLODashboard(windowSize int) (*Dashboard, error) {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	records, err := s.store.ListRecent(windowSize)
	if err != nil {
		return nil, err
	}
	dash := BuildDashboard(records, windowSize, DefaultSREPolicy())
	s.deps.Metrics.ObserveBreaker(dash.CircuitBreaker.State)
	return dash, nil
}
