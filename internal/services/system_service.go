package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemService reports process and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.HealthReport, error)
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	health repositories.HealthRepository
	clock  func() time.Time
	build  BuildInfo
}

// NewSystemService assembles the health reporting service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health: deps.Health,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (domain.HealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.HealthReport{}, err
	}
	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = strings.TrimSpace(s.build.Version)
	report.Environment = strings.TrimSpace(s.build.Environment)
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Status == "" {
		report.Status = domain.HealthStatusOK
	}
	return report, nil
}
