package model

import "time"

// HealthStatus classifies a source by its rolling success rate.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// SourceHealth is a point-in-time view of one source's performance.
// Rebuilt from scratch on restart; conservative until warmed up.
type SourceHealth struct {
	SourceID            SourceID     `json:"source_id"`
	Status              HealthStatus `json:"status"`
	CircuitState        string       `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuccessRate         float64      `json:"success_rate"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	TotalRequests       int          `json:"total_requests"`
	LastError           string       `json:"last_error,omitempty"`
	LastTransitionAt    time.Time    `json:"last_transition_at"`
}
