package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/eventbus"
	"vaultpulse/internal/storage"
	logx "vaultpulse/pkg/logx"
)

type fakeChannel struct {
	name string
	send func(ctx context.Context, ev Event) Result
}

func (f fakeChannel) Name() string { return f.name }
func (f fakeChannel) Send(ctx context.Context, ev Event) Result {
	return f.send(ctx, ev)
}

func okChannel(name string) fakeChannel {
	return fakeChannel{name: name, send: func(context.Context, Event) Result { return Sent(name, name+"-msg") }}
}

func failChannel(name string, kind ErrorKind) fakeChannel {
	return fakeChannel{name: name, send: func(context.Context, Event) Result {
		return Failed(name, kind, errors.New(name+" is down"))
	}}
}

type memAudit struct {
	mu   sync.Mutex
	recs []storage.PulseRecord
}

func (m *memAudit) AppendPulseResult(_ context.Context, rec storage.PulseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func enabled(names ...string) map[string]bool {
	m := map[string]bool{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func testEvent(t *testing.T) Event {
	t.Helper()
	ev, err := NewEvent(EventMint, map[string]any{"title": "Genesis", "token": 7}, 5)
	require.NoError(t, err)
	return ev
}

func TestSendPulseResultPerEnabledChannel(t *testing.T) {
	t.Parallel()
	o := New(Config{Enabled: enabled("email", "sms", "social")}, nil, nil, nil, logx.Nop(), nil)
	o.Register(okChannel("email"), failChannel("sms", KindAuth), okChannel("social"), okChannel("telegram"))

	res := o.SendPulse(context.Background(), testEvent(t))

	require.Len(t, res, 3)
	assert.True(t, res["email"].Success)
	assert.True(t, res["social"].Success)
	assert.False(t, res["sms"].Success)
	assert.NotEmpty(t, res["sms"].Error)
	assert.Equal(t, KindAuth, res["sms"].Kind)
	_, hasTelegram := res["telegram"]
	assert.False(t, hasTelegram, "disabled channel must not appear")
	assert.Equal(t, []string{"email", "sms", "social"}, o.EnabledChannels())
}

func TestSendPulseNoChannelsEnabled(t *testing.T) {
	t.Parallel()
	o := New(Config{}, nil, nil, nil, logx.Nop(), nil)
	o.Register(okChannel("email"))
	res := o.SendPulse(context.Background(), testEvent(t))
	require.NotNil(t, res)
	assert.Empty(t, res)
}

func TestSendPulsePanicIsIsolated(t *testing.T) {
	t.Parallel()
	boom := fakeChannel{name: "social", send: func(context.Context, Event) Result { panic("kaboom") }}
	o := New(Config{Enabled: enabled("social", "email")}, nil, nil, nil, logx.Nop(), nil)
	o.Register(boom, okChannel("email"))

	res := o.SendPulse(context.Background(), testEvent(t))

	require.Len(t, res, 2)
	assert.True(t, res["email"].Success)
	assert.False(t, res["social"].Success)
	assert.Equal(t, KindPanic, res["social"].Kind)
	assert.Contains(t, res["social"].Error, "kaboom")
}

func TestSendPulseFillsMissingFailureDetails(t *testing.T) {
	t.Parallel()
	sloppy := fakeChannel{name: "sms", send: func(context.Context, Event) Result { return Result{} }}
	o := New(Config{Enabled: enabled("sms")}, nil, nil, nil, logx.Nop(), nil)
	o.Register(sloppy)

	r := o.SendPulse(context.Background(), testEvent(t))["sms"]
	assert.Equal(t, "sms", r.Channel)
	assert.False(t, r.Success)
	assert.NotEmpty(t, r.Error)
	assert.Equal(t, KindTransport, r.Kind)
	assert.False(t, r.Timestamp.IsZero())
}

func TestSendPulseStatusPendingThenSettled(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := fakeChannel{name: "email", send: func(ctx context.Context, ev Event) Result {
		close(entered)
		<-release
		return Sent("email", "m1")
	}}
	store := NewMemoryStatusStore(10)
	o := New(Config{Enabled: enabled("email", "sms")}, store, nil, nil, logx.Nop(), nil)
	o.Register(slow, failChannel("sms", KindTransport))
	ev := testEvent(t)

	done := make(chan map[string]Result, 1)
	go func() { done <- o.SendPulse(context.Background(), ev) }()

	<-entered
	st, err := o.Status(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st["email"].State)

	close(release)
	<-done

	st, err = o.Status(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, st["email"].State)
	require.NotNil(t, st["email"].Result)
	assert.Equal(t, "m1", st["email"].Result.MessageID)
	assert.Equal(t, StateFailed, st["sms"].State)
}

func TestSendPulseAuditAndBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TopicPulseSent, eventbus.TopicPulseFailed, eventbus.TopicPulseCompleted)
	defer unsub()
	audit := &memAudit{}
	o := New(Config{Enabled: enabled("email", "sms")}, nil, audit, bus, logx.Nop(), nil)
	o.Register(okChannel("email"), failChannel("sms", KindPayload))
	ev := testEvent(t)

	o.SendPulse(context.Background(), ev)

	audit.mu.Lock()
	require.Len(t, audit.recs, 2)
	for _, rec := range audit.recs {
		assert.Equal(t, ev.ID, rec.EventID)
		assert.Equal(t, "mint", rec.EventType)
	}
	audit.mu.Unlock()

	counts := map[string]int{}
	timeout := time.After(time.Second)
	for counts[eventbus.TopicPulseCompleted] == 0 {
		select {
		case e := <-events:
			counts[e.Type]++
			if e.Type == eventbus.TopicPulseCompleted {
				sum := e.Data.(Summary)
				assert.Equal(t, ev.ID, sum.EventID)
				assert.Len(t, sum.Results, 2)
				assert.True(t, sum.InSync)
			}
		case <-timeout:
			t.Fatal("pulse.completed not published")
		}
	}
	assert.Equal(t, 1, counts[eventbus.TopicPulseSent])
	assert.Equal(t, 1, counts[eventbus.TopicPulseFailed])
}

func TestSendPulseOutOfSyncPublished(t *testing.T) {
	t.Parallel()
	base := time.Now()
	at := func(name string, d time.Duration) fakeChannel {
		return fakeChannel{name: name, send: func(context.Context, Event) Result {
			r := Sent(name, "")
			r.Timestamp = base.Add(d)
			return r
		}}
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TopicPulseOutOfSync)
	defer unsub()
	o := New(Config{Enabled: enabled("a", "b", "c"), SyncWindow: 5 * time.Second}, nil, nil, bus, logx.Nop(), nil)
	o.Register(at("a", 0), at("b", time.Second), at("c", 6*time.Second))

	o.SendPulse(context.Background(), testEvent(t))

	select {
	case e := <-events:
		sum := e.Data.(Summary)
		assert.False(t, sum.InSync)
		assert.Equal(t, 6*time.Second, sum.Spread)
	case <-time.After(time.Second):
		t.Fatal("pulse.out_of_sync not published")
	}
}

func TestApplyTogglesChannels(t *testing.T) {
	t.Parallel()
	o := New(Config{Enabled: enabled("email")}, nil, nil, nil, logx.Nop(), nil)
	o.Register(okChannel("email"), okChannel("sms"))
	assert.Equal(t, []string{"email"}, o.EnabledChannels())

	o.Apply(Config{Enabled: enabled("sms")})
	res := o.SendPulse(context.Background(), testEvent(t))
	require.Len(t, res, 1)
	assert.Contains(t, res, "sms")
}

func TestListenDispatchesBusTriggers(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	done, unsub := bus.Subscribe(4, eventbus.TopicPulseCompleted)
	defer unsub()
	o := New(Config{Enabled: enabled("email")}, nil, nil, bus, logx.Nop(), nil)
	o.Register(okChannel("email"))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = o.Listen(ctx)
		close(stopped)
	}()

	ev := testEvent(t)
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicVaultPulse, Data: ev})
		select {
		case e := <-done:
			return e.Data.(Summary).EventID == ev.ID
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestInSync(t *testing.T) {
	t.Parallel()
	base := time.Now()
	res := func(offsets ...time.Duration) map[string]Result {
		m := map[string]Result{}
		for i, d := range offsets {
			m[string(rune('a'+i))] = Result{Timestamp: base.Add(d)}
		}
		return m
	}
	window := 5 * time.Second

	assert.True(t, InSync(nil, window))
	assert.True(t, InSync(res(0), window))
	assert.True(t, InSync(res(0, time.Second, 5*time.Second), window))
	assert.False(t, InSync(res(0, time.Second, 6*time.Second), window))
	assert.Equal(t, 6*time.Second, Spread(res(0, time.Second, 6*time.Second)))
}
