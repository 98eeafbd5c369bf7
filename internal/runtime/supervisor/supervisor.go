// Package supervisor runs the app's long-lived goroutines under one context,
// turning panics into errors and optionally restarting failed tasks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "vaultpulse/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	err   error
	tasks map[string]*TaskState
}

// TaskState counts runs of every goroutine started under one name.
type TaskState struct {
	Name     string    `json:"name"`
	Running  int       `json:"running"`
	Runs     int       `json:"runs"`
	Panics   int       `json:"panics"`
	Restarts int       `json:"restarts"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_err,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), tasks: map[string]*TaskState{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first task error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Tasks returns a copy of the task table sorted by name.
func (s *Supervisor) Tasks() []TaskState {
	s.mu.Lock()
	out := make([]TaskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) update(name string, fn func(t *TaskState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		t = &TaskState{Name: name}
		s.tasks[name] = t
	}
	fn(t)
}

func (s *Supervisor) fail(name string, err error) {
	err = fmt.Errorf("%s: %w", name, err)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.update(name, func(t *TaskState) { t.LastErr = err.Error() })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned error or panic is recorded; context.Canceled is not an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.runOnce(name, fn); err != nil {
			s.fail(name, err)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// runOnce returns nil for a clean exit or cancellation.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(t *TaskState) {
		t.Running++
		t.Runs++
		t.LastRun = time.Now()
	})
	defer s.update(name, func(t *TaskState) { t.Running-- })
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(t *TaskState) { t.Panics++ })
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("task started", logx.String("task", name))
	err = fn(s.ctx)
	s.log.Debug("task exited", logx.String("task", name), logx.Err(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type restartPolicy struct {
	min, max time.Duration
	limit    int
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after errors and panics. Giving up is recorded like a Go failure.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	pol.max = max(pol.max, pol.min)

	s.spawn(func() {
		delay := pol.min
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.runOnce(name, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if pol.limit > 0 && restarts >= pol.limit {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(name, err)
				return
			}
			// A long healthy run earns a fresh backoff.
			if time.Since(began) >= 30*time.Second {
				delay = pol.min
			}
			s.update(name, func(t *TaskState) {
				t.Restarts++
				t.LastErr = err.Error()
			})
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", delay), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, pol.max)
		}
	})
}

// Wait blocks until every task has returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
