package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kind = "endpoints"

func newTestEngine(reg *Registry) *Engine {
	return NewEngine(reg, Options{PromRegister: prometheus.NewRegistry()})
}

type recorder struct {
	sync.Mutex
	seen []string
}

func (r *recorder) handler(ctx context.Context, ev *model.Event) error {
	r.Lock()
	defer r.Unlock()
	r.seen = append(r.seen, fmt.Sprintf("%s:%v", ev.Name, ev.Body))
	return nil
}

func (r *recorder) get() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.seen...)
}

func TestSameKeyProcessedInSubmissionOrder(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	reg := NewRegistry()
	reg.Register(kind, model.Modified, func(ctx context.Context, ev *model.Event) error {
		if ev.Body == 0 {
			<-gate
		}
		// give later notifications a chance to overtake if ordering were broken
		time.Sleep(time.Millisecond)
		return rec.handler(ctx, ev)
	})
	e := newTestEngine(reg)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		e.SubmitAsync(context.Background(), model.NewEvent(kind, model.Modified, "ns", "web", i), func(err error) {
			assert.NoError(t, err)
			wg.Done()
		})
	}
	require.Eventually(t, func() bool {
		return e.Pending(model.Key{Kind: kind, Namespace: "ns", Name: "web"}) == n-1
	}, 5*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("web:%d", i)
	}
	assert.Equal(t, want, rec.get())
}

func TestSameKeyNeverConcurrent(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = map[string]int{}
		maxSeen  int
	)
	reg := NewRegistry()
	reg.Register(kind, model.Modified, func(ctx context.Context, ev *model.Event) error {
		mu.Lock()
		inFlight[ev.Name]++
		if inFlight[ev.Name] > maxSeen {
			maxSeen = inFlight[ev.Name]
		}
		mu.Unlock()

		time.Sleep(100 * time.Microsecond)

		mu.Lock()
		inFlight[ev.Name]--
		mu.Unlock()
		return nil
	})
	e := newTestEngine(reg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				name := fmt.Sprintf("svc-%d", i%3)
				assert.NoError(t, e.Submit(context.Background(), model.NewEvent(kind, model.Modified, "ns", name, i)))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	entered := make(chan struct{})

	reg := NewRegistry()
	reg.Register(kind, model.Added, func(ctx context.Context, ev *model.Event) error {
		if ev.Name == "slow" {
			close(entered)
			<-blocked
		}
		return nil
	})
	e := newTestEngine(reg)

	e.SubmitAsync(context.Background(), model.NewEvent(kind, model.Added, "ns", "slow", nil), nil)
	<-entered

	done := make(chan error, 1)
	go func() {
		done <- e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "fast", nil))
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notification for a distinct key was blocked")
	}
}

func TestHandlerChain(t *testing.T) {
	boom := errors.New("boom")

	for _, test := range []struct {
		name     string
		register func(reg *Registry, calls *[]string)
		action   model.Action
		want     []string
		wantErr  error
	}{
		{
			name: "runs in registration order",
			register: func(reg *Registry, calls *[]string) {
				reg.Register(kind, model.Added, record(calls, "a", nil), record(calls, "b", nil))
				reg.Register(kind, model.Added, record(calls, "c", nil))
			},
			action: model.Added,
			want:   []string{"a", "b", "c"},
		},
		{
			name: "stops at first error",
			register: func(reg *Registry, calls *[]string) {
				reg.Register(kind, model.Added, record(calls, "a", boom), record(calls, "b", nil))
			},
			action:  model.Added,
			want:    []string{"a"},
			wantErr: boom,
		},
		{
			name: "falls back to recovery handlers",
			register: func(reg *Registry, calls *[]string) {
				reg.Register(kind, model.Recovery, record(calls, "any", nil))
				reg.Register(kind, model.Added, record(calls, "added", nil))
			},
			action: model.Deleted,
			want:   []string{"any"},
		},
		{
			name: "specific action wins over recovery",
			register: func(reg *Registry, calls *[]string) {
				reg.Register(kind, model.Recovery, record(calls, "any", nil))
				reg.Register(kind, model.Deleted, record(calls, "deleted", nil))
			},
			action: model.Deleted,
			want:   []string{"deleted"},
		},
		{
			name:     "unknown route is a no-op",
			register: func(reg *Registry, calls *[]string) {},
			action:   model.Modified,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			var calls []string
			reg := NewRegistry()
			test.register(reg, &calls)
			e := newTestEngine(reg)

			err := e.Submit(context.Background(), model.NewEvent(kind, test.action, "ns", "web", nil))
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, test.want, calls)
		})
	}
}

func record(calls *[]string, name string, err error) HandlerFunc {
	return func(ctx context.Context, ev *model.Event) error {
		*calls = append(*calls, name)
		return err
	}
}

func TestRegistryFrozenAtConstruction(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(kind, model.Added, record(&calls, "before", nil))
	e := newTestEngine(reg)
	reg.Register(kind, model.Added, record(&calls, "after", nil))

	require.NoError(t, e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "web", nil)))
	assert.Equal(t, []string{"before"}, calls)
}

func TestRegisterUnknownActionPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRegistry().Register(kind, model.Action("ERROR"), record(nil, "x", nil))
	})
}

func TestPanickingHandlerReleasesLock(t *testing.T) {
	reg := NewRegistry()
	reg.Register(kind, model.Added, func(ctx context.Context, ev *model.Event) error {
		if ev.Body == "panic" {
			panic("handler exploded")
		}
		return nil
	})
	e := newTestEngine(reg)

	err := e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "web", "panic"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")

	assert.NoError(t, e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "web", "ok")))
}

func TestCancelledWaitIsWithdrawn(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register(kind, model.Modified, func(ctx context.Context, ev *model.Event) error {
		if ev.Body == "first" {
			close(entered)
			<-gate
		}
		return rec.handler(ctx, ev)
	})
	e := newTestEngine(reg)
	key := model.Key{Kind: kind, Namespace: "ns", Name: "web"}

	first := make(chan error, 1)
	e.SubmitAsync(context.Background(), model.NewEvent(kind, model.Modified, "ns", "web", "first"), func(err error) { first <- err })
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	e.SubmitAsync(ctx, model.NewEvent(kind, model.Modified, "ns", "web", "cancelled"), func(err error) { cancelled <- err })
	third := make(chan error, 1)
	e.SubmitAsync(context.Background(), model.NewEvent(kind, model.Modified, "ns", "web", "third"), func(err error) { third <- err })
	require.Eventually(t, func() bool { return e.Pending(key) == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, e.Pending(key))

	close(gate)
	assert.NoError(t, <-first)
	assert.NoError(t, <-third)
	assert.Equal(t, []string{"web:first", "web:third"}, rec.get())
}

func TestLockCreatedOncePerKey(t *testing.T) {
	e := newTestEngine(NewRegistry())
	key := model.Key{Kind: kind, Namespace: "ns", Name: "web"}

	const n = 32
	locks := make([]*keyLock, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			locks[i] = e.lockFor(key)
		}(i)
	}
	wg.Wait()

	for _, l := range locks {
		assert.Same(t, locks[0], l)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.keyLocks))
}

func TestEventMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(kind, model.Added, func(ctx context.Context, ev *model.Event) error {
		if ev.Body == "fail" {
			return errors.New("fail")
		}
		return nil
	})
	e := newTestEngine(reg)

	_ = e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "a", nil))
	_ = e.Submit(context.Background(), model.NewEvent(kind, model.Added, "ns", "b", "fail"))

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.events.WithLabelValues(kind, "ADDED", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.events.WithLabelValues(kind, "ADDED", "error")))
}

func TestKeyLockReleaseUnheld(t *testing.T) {
	l := &keyLock{}
	assert.ErrorIs(t, l.release(), ErrLockInvariant)

	<-l.reserve()
	assert.NoError(t, l.release())
	assert.ErrorIs(t, l.release(), ErrLockInvariant)
}
