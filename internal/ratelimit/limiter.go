// Package ratelimit gates calls to the remote control plane so many
// concurrent runners collectively stay inside the provider's request budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies a logical remote API operation class. Each class has its
// own independent spacing so a burst of describes cannot starve submits.
type Class string

const (
	ClassSubmit   Class = "submit"
	ClassDescribe Class = "describe"
)

// Limiter enforces a minimum spacing between calls of the same class,
// shared by reference across all runners. Callers block until the next slot
// opens; they never get an over-rate failure.
type Limiter struct {
	limiters map[Class]*rate.Limiter
}

// New builds a limiter admitting one submit per submitPeriod and one
// describe per describePeriod. A non-positive period disables spacing for
// that class.
func New(submitPeriod, describePeriod time.Duration) *Limiter {
	return &Limiter{
		limiters: map[Class]*rate.Limiter{
			ClassSubmit:   newClassLimiter(submitPeriod),
			ClassDescribe: newClassLimiter(describePeriod),
		},
	}
}

func newClassLimiter(period time.Duration) *rate.Limiter {
	if period <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(period), 1)
}

// Wait blocks until the class admits another call or ctx is done.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	lim, ok := l.limiters[class]
	if !ok {
		return fmt.Errorf("unknown rate limit class %q", class)
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for %s slot: %w", class, err)
	}
	return nil
}
