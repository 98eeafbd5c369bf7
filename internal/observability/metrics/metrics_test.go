package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()
	var r *Recorder
	ctx := context.Background()
	r.PulseResult(ctx, "email", true)
	r.PulseSpread(ctx, 1.5, false)
	r.BroadcastOutcome(ctx, "success", 1)
	r.RealtimeTransition(ctx, "ws")
}

func TestDefaultRecorderRecords(t *testing.T) {
	t.Parallel()
	r := Default()
	require.NotNil(t, r)
	ctx := context.Background()
	r.PulseResult(ctx, "sms", false)
	r.BroadcastOutcome(ctx, "retry", 2)
	r.BroadcastOutcome(ctx, "failed", 3)
}
