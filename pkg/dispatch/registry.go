package dispatch

import (
	"context"
	"fmt"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
)

// HandlerFunc processes a single notification. It runs while the
// notification's key lock is held.
type HandlerFunc func(ctx context.Context, ev *model.Event) error

type route struct {
	kind   string
	action model.Action
}

// Registry maps a (kind, action) pair to an ordered handler chain. It is
// populated at startup and frozen when handed to NewEngine.
type Registry struct {
	routes map[route][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[route][]HandlerFunc)}
}

// Register appends handlers to the chain for kind and action.
func (r *Registry) Register(kind string, action model.Action, handlers ...HandlerFunc) {
	if !action.Valid() {
		panic(fmt.Sprintf("dispatch: cannot register handler for unknown action %q", action))
	}
	key := route{kind: kind, action: action}
	r.routes[key] = append(r.routes[key], handlers...)
}

// clone returns a copy that shares no slices with r.
func (r *Registry) clone() *Registry {
	c := NewRegistry()
	for k, hs := range r.routes {
		c.routes[k] = append([]HandlerFunc(nil), hs...)
	}
	return c
}

// lookup returns the chain for kind and action, falling back to the chain
// registered for RECOVERY, which accepts any action.
func (r *Registry) lookup(kind string, action model.Action) []HandlerFunc {
	if hs, ok := r.routes[route{kind: kind, action: action}]; ok {
		return hs
	}
	return r.routes[route{kind: kind, action: model.Recovery}]
}
