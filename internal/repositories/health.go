package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/skillbridge/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck probes one backing service (store, Pub/Sub, Stripe reachability).
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// HealthProber runs every dependency check concurrently.
type HealthProber struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewHealthProber validates the check set. Names must be unique and non-empty.
func NewHealthProber(checks []DependencyCheck, clock func() time.Time) (*HealthProber, error) {
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" || check.Check == nil {
			return nil, errors.New("health prober: every check needs a name and a function")
		}
		if _, dup := seen[name]; dup {
			return nil, errors.New("health prober: duplicate check " + name)
		}
		seen[name] = struct{}{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &HealthProber{checks: append([]DependencyCheck(nil), checks...), now: clock}, nil
}

// Collect probes every dependency. A failing probe degrades the report, a timed out or cancelled one
// marks it as error.
func (p *HealthProber) Collect(ctx context.Context) domain.HealthReport {
	results := make(map[string]domain.HealthCheck, len(p.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range p.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := p.probe(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: p.now().UTC()}
}

func (p *HealthProber) probe(ctx context.Context, check DependencyCheck) domain.HealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(probeCtx)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	end := p.now()

	result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end.UTC()}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status, result.Detail = domain.HealthStatusError, "timeout"
	case errors.Is(err, context.Canceled):
		result.Status, result.Detail = domain.HealthStatusError, "cancelled"
	default:
		result.Status, result.Detail = domain.HealthStatusDegraded, err.Error()
	}
	return result
}
