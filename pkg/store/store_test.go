package store

import (
	"context"
	"errors"
	"testing"

	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	"github.com/ktlcove/kube-endpoints-controller/pkg/hook/hooktest"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func svc(ns, name string, eps ...model.Endpoint) *model.Service {
	return &model.Service{Namespace: ns, Name: name, PortName: "http", Endpoints: model.NewEndpointSet(eps...)}
}

func newTestStore(t *testing.T, hooks ...hook.Hook) *Store {
	t.Helper()
	s := New(hooks, Options{PromRegister: prometheus.NewRegistry()})
	require.NoError(t, s.InitHooks(context.Background()))
	return s
}

func TestSetGetRemove(t *testing.T) {
	rec := hooktest.NewRecorder("rec")
	s := newTestStore(t, rec)

	_, ok := s.Get("ns", "web")
	assert.False(t, ok)

	v1 := svc("ns", "web", model.Endpoint{IP: "10.0.0.1", Port: 80})
	require.NoError(t, s.Set(context.Background(), v1, model.Added))
	got, ok := s.Get("ns", "web")
	require.True(t, ok)
	assert.Same(t, v1, got)

	v2 := svc("ns", "web", model.Endpoint{IP: "10.0.0.2", Port: 80})
	require.NoError(t, s.Set(context.Background(), v2, model.Modified))
	got, _ = s.Get("ns", "web")
	assert.Same(t, v2, got)

	require.NoError(t, s.Remove(context.Background(), v2))
	_, ok = s.Get("ns", "web")
	assert.False(t, ok)

	calls := rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []model.Action{model.Added, model.Modified, model.Deleted}, rec.Actions())
	assert.Same(t, v2, calls[2].Service)
}

func TestFanOutOrder(t *testing.T) {
	var order []string
	first := &orderHook{Base: hook.Base{HookName: "first"}, order: &order}
	second := &orderHook{Base: hook.Base{HookName: "second"}, order: &order}
	s := newTestStore(t, first, second)

	require.NoError(t, s.Set(context.Background(), svc("ns", "web"), model.Added))
	require.NoError(t, s.Remove(context.Background(), svc("ns", "web")))
	assert.Equal(t, []string{"first:ADDED", "second:ADDED", "first:DELETED", "second:DELETED"}, order)
}

type orderHook struct {
	hook.Base
	order *[]string
}

func (h *orderHook) OnAdded(context.Context, *model.Service) error {
	*h.order = append(*h.order, h.Name()+":ADDED")
	return nil
}

func (h *orderHook) OnDeleted(context.Context, *model.Service) error {
	*h.order = append(*h.order, h.Name()+":DELETED")
	return nil
}

func TestHookFailureKeepsState(t *testing.T) {
	boom := errors.New("gateway unavailable")
	failing := hooktest.NewRecorder("failing")
	failing.SetErr(model.Added, boom)
	after := hooktest.NewRecorder("after")
	s := newTestStore(t, failing, after)

	v := svc("ns", "web", model.Endpoint{IP: "10.0.0.1", Port: 80})
	err := s.Set(context.Background(), v, model.Added)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")

	got, ok := s.Get("ns", "web")
	assert.True(t, ok)
	assert.Same(t, v, got)
	assert.Empty(t, after.Calls())

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.hookCalls.WithLabelValues("failing", "ADDED", "error")))
}

func TestSynced(t *testing.T) {
	boom := errors.New("gateway unavailable")
	rec := hooktest.NewRecorder("rec")
	s := newTestStore(t, rec)
	v := svc("ns", "web", model.Endpoint{IP: "10.0.0.1", Port: 80})

	assert.False(t, s.Synced("ns", "web"))

	require.NoError(t, s.Set(context.Background(), v, model.Added))
	assert.True(t, s.Synced("ns", "web"))

	rec.SetErr(model.Modified, boom)
	assert.ErrorIs(t, s.Set(context.Background(), v, model.Modified), boom)
	assert.False(t, s.Synced("ns", "web"))

	rec.SetErr(model.Modified, nil)
	require.NoError(t, s.Set(context.Background(), v, model.Modified))
	assert.True(t, s.Synced("ns", "web"))

	rec.SetErr(model.Modified, boom)
	assert.Error(t, s.Set(context.Background(), v, model.Modified))
	require.NoError(t, s.Remove(context.Background(), v))
	assert.False(t, s.Synced("ns", "web"))
	require.NoError(t, s.Set(context.Background(), v, model.Added))
	assert.True(t, s.Synced("ns", "web"))
}

func TestInitHooksOnce(t *testing.T) {
	a := hooktest.NewRecorder("a")
	b := hooktest.NewRecorder("b")
	s := New([]hook.Hook{a, b}, Options{PromRegister: prometheus.NewRegistry()})

	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Set(context.Background(), svc("ns", "web"), model.Added), ErrNotInitialized)
	assert.ErrorIs(t, s.Remove(context.Background(), svc("ns", "web")), ErrNotInitialized)

	require.NoError(t, s.InitHooks(context.Background()))
	require.NoError(t, s.InitHooks(context.Background()))
	assert.True(t, s.Ready())
	assert.Equal(t, 1, a.Inits())
	assert.Equal(t, 1, b.Inits())
}

func TestInitHooksFailure(t *testing.T) {
	a := hooktest.NewRecorder("a")
	a.InitErr = errors.New("bad credentials")
	b := hooktest.NewRecorder("b")
	s := New([]hook.Hook{a, b}, Options{PromRegister: prometheus.NewRegistry()})

	err := s.InitHooks(context.Background())
	assert.ErrorIs(t, err, a.InitErr)
	assert.ErrorIs(t, s.InitHooks(context.Background()), a.InitErr)
	assert.False(t, s.Ready())
	assert.Equal(t, 1, a.Inits())
	assert.Equal(t, 0, b.Inits())
}

func TestSetRejectsUnknownAction(t *testing.T) {
	s := newTestStore(t)
	err := s.Set(context.Background(), svc("ns", "web"), model.Action("ERROR"))
	assert.ErrorIs(t, err, hook.ErrUnknownAction)
	_, ok := s.Get("ns", "web")
	assert.False(t, ok)
}

func TestListAndMetrics(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set(context.Background(), svc("b", "web"), model.Added))
	require.NoError(t, s.Set(context.Background(), svc("a", "web", model.Endpoint{IP: "10.0.0.1", Port: 80}), model.Added))
	require.NoError(t, s.Set(context.Background(), svc("a", "api"), model.Added))

	var ids []string
	for _, v := range s.List() {
		ids = append(ids, v.ID().String())
	}
	assert.Equal(t, []string{"a/api", "a/web", "b/web"}, ids)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.metrics.services))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.endpoints.WithLabelValues("a", "web")))

	require.NoError(t, s.Remove(context.Background(), svc("a", "web")))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.services))
}
