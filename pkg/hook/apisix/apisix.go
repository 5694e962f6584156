package apisix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	logging "github.com/sirupsen/logrus"
)

// Type is the hook type name used in hook declarations.
const Type = "apisix"

func init() {
	hook.Register(Type, New)
}

// StatusError is returned when the admin API answers with an unexpected
// status code.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apisix %s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Hook keeps one APISIX upstream per service in sync with the service's
// endpoints. Upstreams are named {service}.{namespace}.{cluster}.
type Hook struct {
	hook.Base
	opts   Options
	client *http.Client
	log    *logging.Entry
}

// New is the hook.Factory of the apisix hook. Only keyword arguments are
// accepted.
func New(name string, args []any, kwargs map[string]any, env hook.Env) (hook.Hook, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("apisix hook takes keyword arguments only, got %d positional", len(args))
	}
	opts, err := decodeOptions(kwargs)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(name, opts, env, http.DefaultClient)
}

// NewWithOptions builds the hook from already decoded options.
func NewWithOptions(name string, opts Options, env hook.Env, client *http.Client) (*Hook, error) {
	opts.setDefaults(env.ClusterName)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if env.Log == nil {
		env.Log = logging.NewEntry(logging.StandardLogger())
	}
	return &Hook{
		Base:   hook.Base{HookName: name},
		opts:   opts,
		client: client,
		log:    env.Log.WithField("admin", opts.AdminURL),
	}, nil
}

func (h *Hook) Init(context.Context) error {
	h.log.Infof("Syncing upstreams of cluster %s (create: %t, delete: %s)",
		h.opts.ClusterName, *h.opts.CreateUpstreams, h.opts.DeleteEndpoints)
	return nil
}

func (h *Hook) OnAdded(ctx context.Context, svc *model.Service) error {
	if !*h.opts.CreateUpstreams {
		return nil
	}
	return h.ensureUpstream(ctx, h.upstreamName(svc), h.nodes(svc))
}

func (h *Hook) OnModified(ctx context.Context, svc *model.Service) error {
	return h.updateUpstream(ctx, h.upstreamName(svc), h.nodes(svc))
}

func (h *Hook) OnRecovery(ctx context.Context, svc *model.Service) error {
	return h.OnModified(ctx, svc)
}

func (h *Hook) OnDeleted(ctx context.Context, svc *model.Service) error {
	return h.deleteUpstream(ctx, h.upstreamName(svc))
}

func (h *Hook) upstreamName(svc *model.Service) string {
	return fmt.Sprintf("%s.%s.%s", svc.Name, svc.Namespace, h.opts.ClusterName)
}

func (h *Hook) nodes(svc *model.Service) map[string]int {
	nodes := make(map[string]int, svc.Endpoints.Len())
	for e := range svc.Endpoints {
		nodes[e.String()] = *h.opts.DefaultWeight
	}
	return nodes
}

// ensureUpstream creates or replaces the upstream.
func (h *Hook) ensureUpstream(ctx context.Context, name string, nodes map[string]int) error {
	body := make(map[string]any, len(h.opts.UpstreamDefaults)+2)
	for k, v := range h.opts.UpstreamDefaults {
		body[k] = v
	}
	body["nodes"] = nodes
	body["name"] = name

	h.log.Infof("Create upstream %s %v", name, nodes)
	_, err := h.do(ctx, http.MethodPut, upstreamPath(name), body)
	return err
}

// updateUpstream overwrites the node set of the upstream, creating it if it
// does not exist and creation is enabled.
func (h *Hook) updateUpstream(ctx context.Context, name string, nodes map[string]int) error {
	code, err := h.do(ctx, http.MethodGet, upstreamPath(name), nil, http.StatusNotFound)
	if err != nil {
		return err
	}
	if code == http.StatusNotFound {
		if !*h.opts.CreateUpstreams {
			h.log.Debugf("Upstream %s does not exist and creation is disabled", name)
			return nil
		}
		return h.ensureUpstream(ctx, name, nodes)
	}

	h.log.Infof("Update upstream %s %v", name, nodes)
	_, err = h.do(ctx, http.MethodPatch, upstreamPath(name)+"/nodes", nodes)
	return err
}

func (h *Hook) deleteUpstream(ctx context.Context, name string) error {
	if h.opts.DeleteEndpoints == DeleteRemove {
		h.log.Infof("Delete upstream %s", name)
		_, err := h.do(ctx, http.MethodDelete, upstreamPath(name), nil, http.StatusNotFound)
		return err
	}
	h.log.Infof("Mark upstream %s for deletion", name)
	code, err := h.do(ctx, http.MethodPatch, upstreamPath(name), map[string]string{"desc": deleteSentinel}, http.StatusNotFound)
	if code == http.StatusNotFound {
		h.log.Infof("Upstream %s does not exist, nothing to mark", name)
	}
	return err
}

func upstreamPath(name string) string {
	return "upstreams/" + url.PathEscape(name)
}

// do sends a request to the admin API and returns the status code. A status
// that is neither 2xx nor one of allowed is a *StatusError.
func (h *Hook) do(ctx context.Context, method, path string, payload any, allowed ...int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout.Duration)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("apisix %s %s: %w", method, path, err)
		}
		h.log.Debugf("apisix call %s %s%s with %s", method, h.opts.AdminURL, path, raw)
		body = bytes.NewReader(raw)
	} else {
		h.log.Debugf("apisix call %s %s%s", method, h.opts.AdminURL, path)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.opts.AdminURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("apisix %s %s: %w", method, path, err)
	}
	req.Header.Set("X-API-KEY", h.opts.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("apisix %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	h.log.Debugf("apisix resp %d %s", resp.StatusCode, respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	for _, code := range allowed {
		if resp.StatusCode == code {
			return resp.StatusCode, nil
		}
	}
	return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(respBody)}
}
