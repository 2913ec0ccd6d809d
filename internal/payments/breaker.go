package payments

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v78"
)

// ErrProviderUnavailable is returned while the breaker is open.
var ErrProviderUnavailable = errors.New("payments: provider temporarily unavailable")

// BreakerConfig tunes the circuit breaker guarding a provider.
type BreakerConfig struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MinRequests   uint32
	FailureRatio  float64
	OnStateChange func(name string, from, to string)
}

// BreakerProvider short-circuits calls to a provider that keeps failing.
type BreakerProvider struct {
	next    Provider
	breaker *gobreaker.CircuitBreaker
}

var _ Provider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps next with a gobreaker circuit breaker. Requests rejected by the processor for
// caller reasons (card or invalid request errors) do not count as failures.
func NewBreakerProvider(next Provider, cfg BreakerConfig) (*BreakerProvider, error) {
	if next == nil {
		return nil, errors.New("payments: breaker requires a provider")
	}
	if cfg.Name == "" {
		cfg.Name = "payments"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerError(err)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}

	return &BreakerProvider{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}, nil
}

// CreateIntent forwards to the wrapped provider unless the breaker is open.
func (p *BreakerProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.next.CreateIntent(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Intent{}, &ProviderError{Provider: "breaker", Message: ErrProviderUnavailable.Error(), Err: ErrProviderUnavailable}
		}
		return Intent{}, err
	}
	return result.(Intent), nil
}

// State exposes the breaker state name.
func (p *BreakerProvider) State() string {
	return p.breaker.State().String()
}

func isCallerError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
		return true
	default:
		return false
	}
}
