package handler

import (
	"context"
	"errors"

	"github.com/ktlcove/kube-endpoints-controller/pkg/dispatch"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/ktlcove/kube-endpoints-controller/pkg/resolver"
	logging "github.com/sirupsen/logrus"
)

// KindEndpoints is the resource kind of Endpoints notifications.
const KindEndpoints = "endpoints"

// Resolver derives a service from a notification body.
type Resolver interface {
	Resolve(namespace, name string, body any) (*model.Service, error)
}

// Store is the reconciled state the handler mutates.
type Store interface {
	Get(namespace, name string) (*model.Service, bool)
	Synced(namespace, name string) bool
	Set(ctx context.Context, svc *model.Service, action model.Action) error
	Remove(ctx context.Context, svc *model.Service) error
}

// ServiceHandler reconciles Endpoints notifications into the store.
type ServiceHandler struct {
	resolver Resolver
	store    Store
	log      *logging.Entry
}

func New(r Resolver, s Store, log *logging.Entry) *ServiceHandler {
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}
	return &ServiceHandler{
		resolver: r,
		store:    s,
		log:      log.WithField("component", "service-handler"),
	}
}

// Register adds the handler to reg for every Endpoints action.
func (h *ServiceHandler) Register(reg *dispatch.Registry) {
	reg.Register(KindEndpoints, model.Added, h.OnAdded)
	reg.Register(KindEndpoints, model.Recovery, h.OnAdded)
	reg.Register(KindEndpoints, model.Modified, h.OnModified)
	reg.Register(KindEndpoints, model.Deleted, h.OnDeleted)
}

// OnAdded handles ADDED and RECOVERY notifications.
func (h *ServiceHandler) OnAdded(ctx context.Context, ev *model.Event) error {
	log := h.eventLog(ev)

	svc, ok := h.resolve(log, ev)
	if !ok {
		if ev.Action != model.Recovery {
			return nil
		}
		current, known := h.store.Get(ev.Namespace, ev.Name)
		if !known {
			return nil
		}
		log.Infof("Service fell out of scope, removing %s", current)
		return h.store.Remove(ctx, current)
	}

	log.Infof("Service %s", svc)
	return h.store.Set(ctx, svc, ev.Action)
}

// OnModified handles MODIFIED notifications of services already known.
func (h *ServiceHandler) OnModified(ctx context.Context, ev *model.Event) error {
	log := h.eventLog(ev)

	current, known := h.store.Get(ev.Namespace, ev.Name)
	if !known {
		log.Debug("Ignoring modification of unknown service")
		return nil
	}

	svc, ok := h.resolve(log, ev)
	if !ok {
		log.Infof("Service fell out of scope, removing %s", current)
		return h.store.Remove(ctx, current)
	}
	if svc.Equal(current) {
		if h.store.Synced(ev.Namespace, ev.Name) {
			log.Debug("Service unchanged")
			return nil
		}
		log.Infof("Service unchanged, retrying failed sync of %s", svc)
		return h.store.Set(ctx, svc, model.Modified)
	}

	added, removed := svc.Endpoints.Diff(current.Endpoints)
	log.Infof("Service changed, port %s, added %v, removed %v", svc.PortName, added, removed)
	return h.store.Set(ctx, svc, model.Modified)
}

// OnDeleted handles DELETED notifications.
func (h *ServiceHandler) OnDeleted(ctx context.Context, ev *model.Event) error {
	log := h.eventLog(ev)

	current, known := h.store.Get(ev.Namespace, ev.Name)
	if !known {
		log.Debug("Ignoring deletion of unknown service")
		return nil
	}
	log.Infof("Service deleted %s", current)
	return h.store.Remove(ctx, current)
}

// resolve absorbs resolution failures, logging them at a level matching
// their cause.
func (h *ServiceHandler) resolve(log *logging.Entry, ev *model.Event) (*model.Service, bool) {
	svc, err := h.resolver.Resolve(ev.Namespace, ev.Name, ev.Body)
	switch {
	case err == nil:
		return svc, true
	case errors.Is(err, resolver.ErrOutOfScope):
		log.Debugf("Skipping: %s", err)
	default:
		log.Warnf("Skipping: %s", err)
	}
	return nil, false
}

func (h *ServiceHandler) eventLog(ev *model.Event) *logging.Entry {
	return h.log.WithFields(logging.Fields{
		"action": ev.Action,
		"ns":     ev.Namespace,
		"svc":    ev.Name,
	})
}
