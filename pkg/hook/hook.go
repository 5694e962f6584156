package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	logging "github.com/sirupsen/logrus"
)

// ErrUnknownAction is returned by Trigger for an action outside the closed
// set of model actions.
var ErrUnknownAction = errors.New("hook: unknown action")

// Hook is a downstream target kept in sync with the reconciled services.
// Init is called exactly once, before any of the On* methods.
type Hook interface {
	Name() string
	Init(ctx context.Context) error

	OnAdded(ctx context.Context, svc *model.Service) error
	OnModified(ctx context.Context, svc *model.Service) error
	OnDeleted(ctx context.Context, svc *model.Service) error
	// OnRecovery is called when existing state is replayed, e.g. on startup.
	OnRecovery(ctx context.Context, svc *model.Service) error
}

// Trigger calls the method of h matching action.
func Trigger(ctx context.Context, h Hook, action model.Action, svc *model.Service) error {
	switch action {
	case model.Added:
		return h.OnAdded(ctx, svc)
	case model.Modified:
		return h.OnModified(ctx, svc)
	case model.Deleted:
		return h.OnDeleted(ctx, svc)
	case model.Recovery:
		return h.OnRecovery(ctx, svc)
	default:
		return fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
}

// Base implements every Hook method as a no-op. Embed it to implement only
// the actions a hook cares about.
type Base struct {
	HookName string
}

func (b Base) Name() string { return b.HookName }
func (Base) Init(context.Context) error { return nil }
func (Base) OnAdded(context.Context, *model.Service) error { return nil }
func (Base) OnModified(context.Context, *model.Service) error { return nil }
func (Base) OnDeleted(context.Context, *model.Service) error { return nil }
func (Base) OnRecovery(context.Context, *model.Service) error { return nil }

// Env is the controller wide context handed to every hook factory.
type Env struct {
	ClusterName string
	Log         *logging.Entry
}

// Declaration describes a configured hook instance.
type Declaration struct {
	Name   string
	Type   string
	Args   []any
	Kwargs map[string]any
}

// Factory builds a hook from its declared constructor arguments.
type Factory func(name string, args []any, kwargs map[string]any, env Env) (Hook, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a hook type available to Build. It panics if the type is
// registered twice.
func Register(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[typ]; dup {
		panic(fmt.Sprintf("hook: type %q registered twice", typ))
	}
	factories[typ] = f
}

// Types returns the registered hook types, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build instantiates the declared hooks, preserving their order.
func Build(decls []Declaration, env Env) ([]Hook, error) {
	if env.Log == nil {
		env.Log = logging.NewEntry(logging.StandardLogger())
	}
	hooks := make([]Hook, 0, len(decls))
	seen := make(map[string]struct{}, len(decls))
	for _, d := range decls {
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("hook %q declared twice", d.Name)
		}
		seen[d.Name] = struct{}{}

		factoriesMu.RLock()
		f, ok := factories[d.Type]
		factoriesMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("hook %q: unknown type %q, must be one of %v", d.Name, d.Type, Types())
		}
		h, err := f(d.Name, d.Args, d.Kwargs, Env{
			ClusterName: env.ClusterName,
			Log:         env.Log.WithFields(logging.Fields{"hook": d.Name, "type": d.Type}),
		})
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", d.Name, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
