package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/ktlcove/kube-endpoints-controller/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
)

type Options struct {
	// PromRegister will default to the global registry unless
	// passed.
	PromRegister prometheus.Registerer
	// Log defaults to the standard logger.
	Log *logging.Entry
}

// Engine runs the registered handler chain for every submitted notification.
// Notifications sharing a key are processed one at a time, in the order they
// were submitted; notifications for distinct keys run concurrently.
//
// Key locks are kept for the lifetime of the engine.
type Engine struct {
	registry *Registry
	log      *logging.Entry
	metrics  engineMetrics

	// locksMu guards creation of entries in locks, not the locks themselves.
	locksMu sync.RWMutex
	locks   map[model.Key]*keyLock
}

// NewEngine creates an engine dispatching to a frozen copy of reg.
func NewEngine(reg *Registry, opts Options) *Engine {
	if opts.PromRegister == prometheus.Registerer(nil) {
		opts.PromRegister = prometheus.DefaultRegisterer
	}
	if opts.Log == nil {
		opts.Log = logging.NewEntry(logging.StandardLogger())
	}
	return &Engine{
		registry: reg.clone(),
		log:      opts.Log.WithField("component", "dispatch"),
		metrics:  newEngineMetrics(opts.PromRegister),
		locks:    make(map[model.Key]*keyLock),
	}
}

// Submit processes ev and returns once its handler chain has completed. The
// returned error is the first handler error, if any.
func (e *Engine) Submit(ctx context.Context, ev *model.Event) error {
	l := e.lockFor(ev.Key())
	return e.process(ctx, l, l.reserve(), ev)
}

// SubmitAsync reserves ev's place in its key's queue before returning and
// processes it in a new goroutine. done, if not nil, receives the result.
func (e *Engine) SubmitAsync(ctx context.Context, ev *model.Event, done func(error)) {
	l := e.lockFor(ev.Key())
	ticket := l.reserve()
	go func() {
		err := e.process(ctx, l, ticket, ev)
		if done != nil {
			done(err)
		}
	}()
}

// lockFor returns the lock for key, creating it on first use.
func (e *Engine) lockFor(key model.Key) *keyLock {
	e.locksMu.RLock()
	l, ok := e.locks[key]
	e.locksMu.RUnlock()
	if ok {
		return l
	}

	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if l, ok = e.locks[key]; ok {
		return l
	}
	l = &keyLock{}
	e.locks[key] = l
	e.metrics.keyLocks.Set(float64(len(e.locks)))
	return l
}

func (e *Engine) process(ctx context.Context, l *keyLock, ticket chan struct{}, ev *model.Event) (err error) {
	log := e.log.WithFields(logging.Fields{
		"kind":   ev.Kind,
		"action": ev.Action,
		"ns":     ev.Namespace,
		"name":   ev.Name,
	})

	if err := l.wait(ctx, ticket); err != nil {
		e.metrics.events.WithLabelValues(ev.Kind, string(ev.Action), "abandoned").Inc()
		return fmt.Errorf("waiting for %s: %w", ev.Key(), err)
	}
	defer func() {
		if rerr := l.release(); rerr != nil {
			log.Errorf("Failed to release key lock: %s", rerr)
			if err == nil {
				err = rerr
			}
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.events.WithLabelValues(ev.Kind, string(ev.Action), result).Inc()
	}()

	handlers := e.registry.lookup(ev.Kind, ev.Action)
	if len(handlers) == 0 {
		log.Debug("No handler registered")
		return nil
	}

	start := time.Now()
	defer func() {
		e.metrics.duration.WithLabelValues(ev.Kind, string(ev.Action)).Observe(time.Since(start).Seconds())
	}()

	for i, h := range handlers {
		if err := e.call(ctx, h, ev); err != nil {
			log.Debugf("Handler %d of %d failed: %s", i+1, len(handlers), err)
			return err
		}
	}
	return nil
}

// call runs a single handler, turning a panic into an error so the key lock
// is still released.
func (e *Engine) call(ctx context.Context, h HandlerFunc, ev *model.Event) (err error) {
	defer util.HandleCrash(func(r any) {
		err = fmt.Errorf("handler for %s panicked: %v", ev, r)
	})
	return h(ctx, ev)
}

// Pending returns the number of notifications waiting for the key's lock.
func (e *Engine) Pending(key model.Key) int {
	e.locksMu.RLock()
	l, ok := e.locks[key]
	e.locksMu.RUnlock()
	if !ok {
		return 0
	}
	return l.pending()
}
