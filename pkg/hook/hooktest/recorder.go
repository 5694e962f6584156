// Package hooktest provides a hook that records its invocations, for tests.
package hooktest

import (
	"context"
	"sync"

	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
)

// Call is a single recorded hook invocation.
type Call struct {
	Action  model.Action
	Service *model.Service
}

// Recorder records calls and fails with the error set by SetErr.
type Recorder struct {
	hook.Base

	sync.Mutex
	inits int
	calls []Call
	errs  map[model.Action]error
	// InitErr is returned by Init when set.
	InitErr error
}

func NewRecorder(name string) *Recorder {
	return &Recorder{Base: hook.Base{HookName: name}, errs: map[model.Action]error{}}
}

func (r *Recorder) Init(context.Context) error {
	r.Lock()
	defer r.Unlock()
	r.inits++
	return r.InitErr
}

func (r *Recorder) OnAdded(_ context.Context, svc *model.Service) error {
	return r.record(model.Added, svc)
}

func (r *Recorder) OnModified(_ context.Context, svc *model.Service) error {
	return r.record(model.Modified, svc)
}

func (r *Recorder) OnDeleted(_ context.Context, svc *model.Service) error {
	return r.record(model.Deleted, svc)
}

func (r *Recorder) OnRecovery(_ context.Context, svc *model.Service) error {
	return r.record(model.Recovery, svc)
}

func (r *Recorder) record(action model.Action, svc *model.Service) error {
	r.Lock()
	defer r.Unlock()
	r.calls = append(r.calls, Call{Action: action, Service: svc})
	return r.errs[action]
}

// SetErr makes subsequent calls for action fail with err.
func (r *Recorder) SetErr(action model.Action, err error) {
	r.Lock()
	defer r.Unlock()
	r.errs[action] = err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.Lock()
	defer r.Unlock()
	return append([]Call(nil), r.calls...)
}

// Actions returns the actions of the recorded calls.
func (r *Recorder) Actions() []model.Action {
	r.Lock()
	defer r.Unlock()
	var out []model.Action
	for _, c := range r.calls {
		out = append(out, c.Action)
	}
	return out
}

// Inits returns how many times Init was called.
func (r *Recorder) Inits() int {
	r.Lock()
	defer r.Unlock()
	return r.inits
}
