package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service. A degraded
// check on a Critical dependency fails readiness outright.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Critical         []string
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	checks   repositories.HealthRepository
	critical map[string]struct{}
	clock    func() time.Time
	build    BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	svc := &systemService{
		checks:   deps.HealthRepository,
		critical: make(map[string]struct{}, len(deps.Critical)),
		clock:    deps.Clock,
		build:    deps.Build,
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	for _, name := range deps.Critical {
		if name = strings.TrimSpace(name); name != "" {
			svc.critical[name] = struct{}{}
		}
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.clock()
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.checks.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	report.Status = s.readiness(report.Checks)
	return report, nil
}

func (s *systemService) readiness(checks map[string]domain.SystemHealthCheck) domain.HealthStatus {
	status := domain.HealthStatusOK
	for name, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			if _, critical := s.critical[name]; critical {
				return domain.HealthStatusError
			}
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
