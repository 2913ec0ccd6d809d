package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/skillbridge/api/internal/domain"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// HealthCollector gathers dependency probes.
type HealthCollector interface {
	Collect(ctx context.Context) domain.HealthReport
}

// SystemService reports process liveness and dependency readiness.
type SystemService interface {
	Liveness() domain.HealthReport
	Readiness(ctx context.Context) domain.HealthReport
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Health HealthCollector
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	health HealthCollector
	clock  func() time.Time
	build  BuildInfo
}

// NewSystemService assembles the health reporting service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health collector is required")
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
		clock:  func() time.Time { return clock().UTC() },
		build:  build,
	}, nil
}

// Liveness reports that the process is serving without probing dependencies.
func (s *systemService) Liveness() domain.HealthReport {
	return s.decorate(domain.HealthReport{Status: domain.HealthStatusOK, Checks: map[string]domain.HealthCheck{}})
}

// Readiness probes every dependency.
func (s *systemService) Readiness(ctx context.Context) domain.HealthReport {
	return s.decorate(s.health.Collect(ctx))
}

func (s *systemService) decorate(report domain.HealthReport) domain.HealthReport {
	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	report.Version = s.build.Version
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)
	return report
}
