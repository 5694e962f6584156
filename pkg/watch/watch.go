// Package watch turns Endpoints informer callbacks into dispatch notifications.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ktlcove/kube-endpoints-controller/pkg/handler"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
)

const defaultMaxInFlight = 64

// ErrCacheSync is returned by Run when the informer caches could not sync
// before the context was cancelled.
var ErrCacheSync = errors.New("failed to sync informer caches")

// Submitter accepts notifications for asynchronous processing. SubmitAsync
// must fix the processing order of a key before returning.
type Submitter interface {
	SubmitAsync(ctx context.Context, ev *model.Event, done func(error))
}

type Options struct {
	KubeClient kubernetes.Interface
	// ResyncPeriod replays every cached Endpoints as RECOVERY. Zero disables
	// resync.
	ResyncPeriod time.Duration
	// MaxInFlight bounds the notifications submitted but not yet processed.
	// Defaults to 64.
	MaxInFlight int64
	// WithNamespaces and WithServices start the corresponding informers so
	// their listers can back the resolver.
	WithNamespaces bool
	WithServices   bool
	// PromRegister will default to the global registry unless
	// passed.
	PromRegister prometheus.Registerer
	Log          *logging.Entry
}

// Watcher feeds Endpoints notifications to a Submitter.
type Watcher struct {
	factory     informers.SharedInformerFactory
	endpoints   cache.SharedIndexInformer
	namespaces  corelisters.NamespaceLister
	services    corelisters.ServiceLister
	cacheSynced []cache.InformerSynced

	sink        Submitter
	sem         *semaphore.Weighted
	maxInFlight int64
	synced      atomic.Bool

	metrics watchMetrics
	log     *logging.Entry
}

func New(opts Options) (*Watcher, error) {
	if opts.KubeClient == kubernetes.Interface(nil) {
		return nil, errors.New("a kubernetes client is required")
	}
	if opts.ResyncPeriod < 0 {
		return nil, fmt.Errorf("negative resync period %s", opts.ResyncPeriod)
	}
	if opts.MaxInFlight < 0 {
		return nil, fmt.Errorf("negative in-flight limit %d", opts.MaxInFlight)
	}
	if opts.MaxInFlight == 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.PromRegister == prometheus.Registerer(nil) {
		opts.PromRegister = prometheus.DefaultRegisterer
	}
	if opts.Log == nil {
		opts.Log = logging.NewEntry(logging.StandardLogger())
	}

	// Resync only replays to registered handlers, so the lister-only
	// informers sharing this factory are unaffected by it.
	factory := informers.NewSharedInformerFactory(opts.KubeClient, opts.ResyncPeriod)
	w := &Watcher{
		factory:     factory,
		endpoints:   factory.Core().V1().Endpoints().Informer(),
		sem:         semaphore.NewWeighted(opts.MaxInFlight),
		maxInFlight: opts.MaxInFlight,
		metrics:     newWatchMetrics(opts.PromRegister),
		log:         opts.Log.WithField("component", "endpoints-watcher"),
	}
	w.cacheSynced = append(w.cacheSynced, w.endpoints.HasSynced)

	if opts.WithNamespaces {
		nsInformer := factory.Core().V1().Namespaces()
		w.namespaces = nsInformer.Lister()
		w.cacheSynced = append(w.cacheSynced, nsInformer.Informer().HasSynced)
	}
	if opts.WithServices {
		svcInformer := factory.Core().V1().Services()
		w.services = svcInformer.Lister()
		w.cacheSynced = append(w.cacheSynced, svcInformer.Informer().HasSynced)
	}
	return w, nil
}

// NamespaceLister is nil unless the watcher was created WithNamespaces.
func (w *Watcher) NamespaceLister() corelisters.NamespaceLister {
	return w.namespaces
}

// ServiceLister is nil unless the watcher was created WithServices.
func (w *Watcher) ServiceLister() corelisters.ServiceLister {
	return w.services
}

// HasSynced reports whether the initial list of every informer has been
// delivered.
func (w *Watcher) HasSynced() bool {
	return w.synced.Load()
}

// Run starts the informers and submits their notifications to sink until ctx
// is cancelled. It returns after the notifications in flight have completed.
func (w *Watcher) Run(ctx context.Context, sink Submitter) error {
	w.sink = sink
	reg, err := w.endpoints.AddEventHandler(cache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj any, isInInitialList bool) {
			w.onAdd(ctx, obj, isInInitialList)
		},
		UpdateFunc: func(oldObj, newObj any) {
			w.onUpdate(ctx, oldObj, newObj)
		},
		DeleteFunc: func(obj any) {
			w.onDelete(ctx, obj)
		},
	})
	if err != nil {
		return err
	}

	w.factory.Start(ctx.Done())
	defer func() {
		w.factory.Shutdown()
		// Wait for the notifications still held by the dispatcher.
		_ = w.sem.Acquire(context.Background(), w.maxInFlight)
		w.sem.Release(w.maxInFlight)
	}()

	w.log.Info("Waiting for informer caches to sync")
	if !cache.WaitForCacheSync(ctx.Done(), append(w.cacheSynced, reg.HasSynced)...) {
		return ErrCacheSync
	}
	w.synced.Store(true)
	w.log.Info("Informer caches synced")

	<-ctx.Done()
	return nil
}

func (w *Watcher) onAdd(ctx context.Context, obj any, isInInitialList bool) {
	ep, ok := obj.(*corev1.Endpoints)
	if !ok {
		w.log.Errorf("error processing endpoints add: unexpected object %#v", obj)
		return
	}
	action := model.Added
	if isInInitialList {
		action = model.Recovery
	}
	w.submit(ctx, action, ep)
}

func (w *Watcher) onUpdate(ctx context.Context, oldObj, newObj any) {
	oldEp, ok := oldObj.(*corev1.Endpoints)
	if !ok {
		w.log.Errorf("error processing endpoints update: unexpected object %#v", oldObj)
		return
	}
	newEp, ok := newObj.(*corev1.Endpoints)
	if !ok {
		w.log.Errorf("error processing endpoints update: unexpected object %#v", newObj)
		return
	}
	action := model.Modified
	if oldEp.ResourceVersion == newEp.ResourceVersion {
		// Periodic resync of an unchanged object.
		action = model.Recovery
	}
	w.submit(ctx, action, newEp)
}

func (w *Watcher) onDelete(ctx context.Context, obj any) {
	ep, ok := obj.(*corev1.Endpoints)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			w.log.Errorf("couldn't get object from DeletedFinalStateUnknown %#v", obj)
			return
		}
		ep, ok = tombstone.Obj.(*corev1.Endpoints)
		if !ok {
			w.log.Errorf("DeletedFinalStateUnknown contained object that is not an Endpoints %#v", obj)
			return
		}
	}
	w.submit(ctx, model.Deleted, ep)
}

// submit runs on the informer goroutine. Blocking on the semaphore throttles
// the informer once MaxInFlight notifications are outstanding.
func (w *Watcher) submit(ctx context.Context, action model.Action, ep *corev1.Endpoints) {
	ev := model.NewEvent(handler.KindEndpoints, action, ep.Namespace, ep.Name, ep)
	log := w.log.WithFields(logging.Fields{
		"action": action,
		"ns":     ep.Namespace,
		"svc":    ep.Name,
	})
	w.metrics.notifications.WithLabelValues(string(action)).Inc()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		log.Warnf("Dropping notification: %s", err)
		w.metrics.failures.WithLabelValues(string(action)).Inc()
		return
	}
	w.metrics.inFlight.Inc()
	w.sink.SubmitAsync(ctx, ev, func(err error) {
		defer w.sem.Release(1)
		w.metrics.inFlight.Dec()
		if err != nil {
			log.Errorf("Failed to process notification: %s", err)
			w.metrics.failures.WithLabelValues(string(action)).Inc()
		}
	})
}
