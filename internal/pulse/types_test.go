package pulse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	t.Parallel()
	cases := map[string]EventType{
		"glyph_detected": EventGlyphDetected,
		"Vault-Activity": EventVaultActivity,
		" mint ":         EventMint,
	}
	for in, want := range cases {
		got, err := ParseEventType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseEventType("airdrop")
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = NewEvent("airdrop", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	a, err := NewEvent(EventGlyphDetected, nil, 0)
	require.NoError(t, err)
	b, err := NewEvent(EventGlyphDetected, nil, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestFailedAlwaysCarriesMessage(t *testing.T) {
	t.Parallel()
	r := Failed("sms", KindNone, nil)
	assert.False(t, r.Success)
	assert.NotEmpty(t, r.Error)
	assert.Equal(t, KindTransport, r.Kind)

	assert.Equal(t, KindAuth, KindForStatus(401))
	assert.Equal(t, KindAuth, KindForStatus(403))
	assert.Equal(t, KindPayload, KindForStatus(422))
	assert.Equal(t, KindTransport, KindForStatus(503))
}

func TestMemoryStatusStoreEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStatusStore(2)
	require.NoError(t, s.Set(ctx, "e1", "email", Status{State: StatePending}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Set(ctx, "e2", "email", Status{State: StatePending}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Set(ctx, "e3", "email", Status{State: StateSent}))

	_, err := s.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrNoStatus)
	st, err := s.Get(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, StateSent, st["email"].State)
}

func TestMemoryStatusStoreLastWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStatusStore(0)
	require.NoError(t, s.Set(ctx, "e", "sms", Status{State: StatePending}))
	require.NoError(t, s.Set(ctx, "e", "sms", Status{State: StateFailed}))
	st, err := s.Get(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st["sms"].State)
}

func TestRedisStatusStoreUnreachable(t *testing.T) {
	t.Parallel()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisStatusStoreWithClient(client, "", 0)
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, s.Set(ctx, "e", "email", Status{State: StatePending}))
	_, err := s.Get(ctx, "e")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoStatus))
	assert.Equal(t, "vaultpulse:pulse:e", s.key("e"))
}

func TestRateLimitedCancelledContext(t *testing.T) {
	t.Parallel()
	calls := 0
	ch := RateLimited(fakeChannel{name: "social", send: func(context.Context, Event) Result {
		calls++
		return Sent("social", "")
	}}, 1)

	ev := Event{ID: "x", Type: EventMint}
	assert.True(t, ch.Send(context.Background(), ev).Success)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := ch.Send(ctx, ev)
	assert.False(t, r.Success)
	assert.Equal(t, KindTransport, r.Kind)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "social", ch.Name())
}

func TestRateLimitedDisabled(t *testing.T) {
	t.Parallel()
	inner := okChannel("email")
	for _, perSec := range []int{0, -5} {
		ch := RateLimited(inner, perSec)
		_, wrapped := ch.(*rateLimited)
		assert.False(t, wrapped, "perSec=%d", perSec)
		assert.Equal(t, "email", ch.Name())
	}
	_, wrapped := RateLimited(inner, 3).(*rateLimited)
	assert.True(t, wrapped)
	assert.Nil(t, RateLimited(nil, 3))
}

func TestRedisStatusStoreRoundTrip(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStatusStoreWithClient(client, "vp", time.Hour)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoStatus)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Set(ctx, "e1", "email", Status{State: StatePending}))
	require.NoError(t, s.Set(ctx, "e1", "sms", Status{State: StatePending}))
	res := Sent("email", "m-1")
	require.NoError(t, s.Set(ctx, "e1", "email", Status{State: StateSent, Result: &res}))

	assert.True(t, mr.Exists("vp:pulse:e1"))
	fields, err := mr.HKeys("vp:pulse:e1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "sms"}, fields)
	assert.Equal(t, time.Hour, mr.TTL("vp:pulse:e1"))

	st, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, StateSent, st["email"].State)
	require.NotNil(t, st["email"].Result)
	assert.Equal(t, "m-1", st["email"].Result.MessageID)
	assert.Equal(t, StatePending, st["sms"].State)

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrNoStatus)
}

func TestHeadlineAndBody(t *testing.T) {
	t.Parallel()
	ev := Event{
		ID:        "ev-1",
		Type:      EventGlyphDetected,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:      map[string]any{"title": " Sigil ", "vault": "v9", "amount": 3},
		Severity:  9,
	}
	assert.Equal(t, "🚨 Glyph detected: Sigil", Headline(ev))

	body := Body(ev)
	assert.True(t, strings.HasPrefix(body, Headline(ev)))
	assert.Less(t, strings.Index(body, "amount"), strings.Index(body, "vault"))
	assert.Contains(t, body, "event ev-1 at 2026-01-02 03:04:05Z")
	assert.NotContains(t, body, "- title")
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "he...", Truncate("hello world", 5))
	assert.Equal(t, "hel", Truncate("hello", 3))
}
