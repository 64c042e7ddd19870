package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

func TestSystemServiceHealthReportAddsBuildInfo(t *testing.T) {
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "store", Check: func(context.Context) error { return nil }},
	}, repositories.WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	svc, err := NewSystemService(SystemServiceDeps{
		Health: health,
		Clock:  func() time.Time { return now },
		Build:  BuildInfo{Version: "1.4.0", Environment: "staging", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK || report.Version != "1.4.0" || report.Environment != "staging" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Uptime != 90*time.Minute {
		t.Fatalf("expected uptime 90m, got %s", report.Uptime)
	}
}

func TestNewSystemServiceRequiresHealth(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without health repository")
	}
}
