package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/skillbridge/api/internal/domain"
)

func TestHealthProberAllHealthy(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	prober, err := NewHealthProber([]DependencyCheck{
		{Name: "store", Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewHealthProber: %v", err)
	}

	report := prober.Collect(context.Background())
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected generatedAt %s", report.GeneratedAt)
	}
}

func TestHealthProberDegradedAndTimeout(t *testing.T) {
	prober, err := NewHealthProber([]DependencyCheck{
		{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
		{Name: "slow", Timeout: 5 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, nil)
	if err != nil {
		t.Fatalf("NewHealthProber: %v", err)
	}

	report := prober.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if got := report.Checks["store"]; got.Status != domain.HealthStatusDegraded || got.Detail != "connection refused" {
		t.Fatalf("unexpected store check %#v", got)
	}
	if got := report.Checks["slow"]; got.Status != domain.HealthStatusError || got.Detail != "timeout" {
		t.Fatalf("unexpected slow check %#v", got)
	}
}

func TestNewHealthProberRejectsBadChecks(t *testing.T) {
	ok := func(context.Context) error { return nil }
	cases := map[string][]DependencyCheck{
		"missing name":     {{Check: ok}},
		"missing function": {{Name: "store"}},
		"duplicate":        {{Name: "store", Check: ok}, {Name: "store", Check: ok}},
	}
	for name, checks := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewHealthProber(checks, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
