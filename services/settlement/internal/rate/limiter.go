// Package rate throttles reservation attempts per buyer.
package rate

import (
	"context"
	"time"
)

// Limiter decides whether key may act at now. When it may not, the duration
// is how long until the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// Unlimited admits every call. It is used when no limit is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return true, 0, nil
}
