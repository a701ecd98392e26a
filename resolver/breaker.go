package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brunobiangulo/ddi/record"
)

// BreakerConfig configures the circuit breaker wrapped around a resolver.
type BreakerConfig struct {
	MaxRequests      uint32        `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	Interval         time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `json:"min_requests" yaml:"min_requests" mapstructure:"min_requests"`
}

// DefaultBreakerConfig trips after 5 calls with at least 80% failures and
// probes again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         5 * time.Minute,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

type breakerResolver struct {
	next Resolver
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps r in a circuit breaker. Misses count as successes;
// while the circuit is open calls fail fast with an *Error.
func WithBreaker(r Resolver, cfg BreakerConfig) Resolver {
	name := r.Name()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("resolve: circuit breaker state changed", "resolver", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by the caller says nothing about the source.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &breakerResolver{next: r, cb: cb}
}

func (b *breakerResolver) Name() string          { return b.next.Name() }
func (b *breakerResolver) Source() record.Source { return b.next.Source() }

// State exposes the breaker state for health reporting.
func (b *breakerResolver) State() gobreaker.State { return b.cb.State() }

func (b *breakerResolver) Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Resolve(ctx, drug, partner)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Resolver: b.Name(), Err: err}
		}
		return nil, err
	}
	ext, _ := v.(*record.Extraction)
	return ext, nil
}
