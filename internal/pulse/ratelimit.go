package pulse

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	Channel
	lim *rate.Limiter
}

// RateLimited wraps ch with a token bucket (burst = perSec). perSec <= 0 returns ch unchanged.
func RateLimited(ch Channel, perSec int) Channel {
	if ch == nil || perSec <= 0 {
		return ch
	}
	return &rateLimited{Channel: ch, lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (r *rateLimited) Send(ctx context.Context, ev Event) Result {
	if err := r.lim.Wait(ctx); err != nil {
		return Failed(r.Name(), KindTransport, fmt.Errorf("rate limit wait: %w", err))
	}
	return r.Channel.Send(ctx, ev)
}
