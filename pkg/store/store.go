package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
)

// ErrNotInitialized is returned by mutations issued before InitHooks.
var ErrNotInitialized = errors.New("store: hooks not initialized")

type Options struct {
	// PromRegister will default to the global registry unless
	// passed.
	PromRegister prometheus.Registerer
	Log          *logging.Entry
}

// Store is the authoritative view of reconciled services. Every accepted
// mutation is fanned out to the hooks, in their configured order.
//
// Callers serialize mutations of a given service; the store only protects
// its map against concurrent access to distinct services.
type Store struct {
	hooks   []hook.Hook
	log     *logging.Entry
	metrics storeMetrics

	initOnce sync.Once
	initErr  error
	ready    bool

	sync.RWMutex // This mutex protects services, unsynced and ready.
	services     map[model.ServiceID]*model.Service
	// unsynced holds the services whose last fan-out failed.
	unsynced map[model.ServiceID]struct{}
}

func New(hooks []hook.Hook, opts Options) *Store {
	if opts.PromRegister == prometheus.Registerer(nil) {
		opts.PromRegister = prometheus.DefaultRegisterer
	}
	if opts.Log == nil {
		opts.Log = logging.NewEntry(logging.StandardLogger())
	}
	return &Store{
		hooks:    hooks,
		log:      opts.Log.WithField("component", "store"),
		metrics:  newStoreMetrics(opts.PromRegister),
		services: make(map[model.ServiceID]*model.Service),
		unsynced: make(map[model.ServiceID]struct{}),
	}
}

// InitHooks initializes every hook once, in order. Later calls return the
// result of the first.
func (s *Store) InitHooks(ctx context.Context) error {
	s.initOnce.Do(func() {
		for _, h := range s.hooks {
			s.log.Infof("Initializing hook %s", h.Name())
			if err := h.Init(ctx); err != nil {
				s.initErr = fmt.Errorf("initializing hook %s: %w", h.Name(), err)
				return
			}
		}
		s.Lock()
		s.ready = true
		s.Unlock()
	})
	return s.initErr
}

// Ready reports whether InitHooks completed successfully.
func (s *Store) Ready() bool {
	s.RLock()
	defer s.RUnlock()
	return s.ready
}

func (s *Store) Get(namespace, name string) (*model.Service, bool) {
	s.RLock()
	defer s.RUnlock()
	svc, ok := s.services[model.ServiceID{Namespace: namespace, Name: name}]
	return svc, ok
}

// Synced reports whether the service is stored and every hook accepted its
// current value.
func (s *Store) Synced(namespace, name string) bool {
	id := model.ServiceID{Namespace: namespace, Name: name}
	s.RLock()
	defer s.RUnlock()
	_, stored := s.services[id]
	_, failed := s.unsynced[id]
	return stored && !failed
}

// List returns all services ordered by namespace and name.
func (s *Store) List() []*model.Service {
	s.RLock()
	out := make([]*model.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	s.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Set stores svc and notifies the hooks of action. The entry is kept even if
// a hook fails, flagged as not synced; the first hook error is returned.
func (s *Store) Set(ctx context.Context, svc *model.Service, action model.Action) error {
	if !action.Valid() {
		return fmt.Errorf("%w %q", hook.ErrUnknownAction, action)
	}
	if !s.Ready() {
		return ErrNotInitialized
	}

	s.Lock()
	s.services[svc.ID()] = svc
	n := len(s.services)
	s.Unlock()

	s.metrics.services.Set(float64(n))
	s.metrics.endpoints.WithLabelValues(svc.Namespace, svc.Name).Set(float64(svc.Endpoints.Len()))

	err := s.trigger(ctx, action, svc)
	s.Lock()
	if err != nil {
		s.unsynced[svc.ID()] = struct{}{}
	} else {
		delete(s.unsynced, svc.ID())
	}
	s.Unlock()
	return err
}

// Remove drops svc and notifies the hooks with its last known value.
func (s *Store) Remove(ctx context.Context, svc *model.Service) error {
	if !s.Ready() {
		return ErrNotInitialized
	}

	s.Lock()
	delete(s.services, svc.ID())
	delete(s.unsynced, svc.ID())
	n := len(s.services)
	s.Unlock()

	s.metrics.services.Set(float64(n))
	s.metrics.endpoints.DeleteLabelValues(svc.Namespace, svc.Name)
	return s.trigger(ctx, model.Deleted, svc)
}

func (s *Store) trigger(ctx context.Context, action model.Action, svc *model.Service) error {
	for _, h := range s.hooks {
		err := hook.Trigger(ctx, h, action, svc)
		s.metrics.observeHook(h.Name(), action, err)
		if err != nil {
			s.log.WithFields(logging.Fields{
				"hook": h.Name(),
				"ns":   svc.Namespace,
				"svc":  svc.Name,
			}).Errorf("Failed to sync %s: %s", action, err)
			return fmt.Errorf("hook %s: %s %s: %w", h.Name(), action, svc.ID(), err)
		}
	}
	return nil
}
