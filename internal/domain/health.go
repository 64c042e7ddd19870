package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// DependencyHealth is the outcome of probing one backing dependency.
type DependencyHealth struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for readiness endpoints.
type HealthReport struct {
	Status      string
	Version     string
	Environment string
	Uptime      time.Duration
	Checks      map[string]DependencyHealth
	GeneratedAt time.Time
}
