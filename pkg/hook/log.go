package hook

import (
	"context"
	"fmt"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	logging "github.com/sirupsen/logrus"
)

func init() {
	Register("log", newLogHook)
}

// logHook writes every change to the log. It is useful as a dry run target.
type logHook struct {
	Base
	log *logging.Entry
}

func newLogHook(name string, args []any, kwargs map[string]any, env Env) (Hook, error) {
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, fmt.Errorf("log hook takes no arguments")
	}
	return &logHook{Base: Base{HookName: name}, log: env.Log}, nil
}

func (h *logHook) Init(context.Context) error {
	h.log.Info("Logging service changes")
	return nil
}

func (h *logHook) OnAdded(_ context.Context, svc *model.Service) error {
	h.print(model.Added, svc)
	return nil
}

func (h *logHook) OnModified(_ context.Context, svc *model.Service) error {
	h.print(model.Modified, svc)
	return nil
}

func (h *logHook) OnDeleted(_ context.Context, svc *model.Service) error {
	h.print(model.Deleted, svc)
	return nil
}

func (h *logHook) OnRecovery(_ context.Context, svc *model.Service) error {
	h.print(model.Recovery, svc)
	return nil
}

func (h *logHook) print(action model.Action, svc *model.Service) {
	h.log.WithFields(logging.Fields{
		"action": action,
		"ns":     svc.Namespace,
		"svc":    svc.Name,
	}).Infof("port %s endpoints %v", svc.PortName, svc.Endpoints.Sorted())
}
