package resolver

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	logging "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	corelisters "k8s.io/client-go/listers/core/v1"
)

// headlessServiceLabel is set by the endpoints controller on Endpoints that
// back a service without a cluster IP.
const headlessServiceLabel = "service.kubernetes.io/headless"

var (
	// ErrOutOfScope means the resource does not match the selection policy.
	ErrOutOfScope = errors.New("resource is out of policy scope")
	// ErrInvalidResource means the resource contradicts itself, e.g. it
	// selects a port name none of its subsets define.
	ErrInvalidResource = errors.New("invalid resource")
)

// Policy selects the services to reconcile and the port to expose for each.
type Policy struct {
	// Namespaces are regular expressions matched against the whole namespace
	// name. Empty matches every namespace.
	Namespaces             []string
	// ExcludeNamespaces are namespace names never reconciled, whatever
	// Namespaces matches.
	ExcludeNamespaces      []string
	NamespaceLabelSelector map[string]string
	ServiceLabelSelector   map[string]string
	DefaultPortName        string
	// PortNameKey is the annotation, or label, overriding DefaultPortName on
	// a per service basis.
	PortNameKey    string
	IgnoreHeadless bool
}

type Option func(*Resolver)

// WithNamespaceLister provides namespace labels for the namespace selector.
func WithNamespaceLister(l corelisters.NamespaceLister) Option {
	return func(r *Resolver) { r.namespaceLister = l }
}

// WithServiceLister lets the headless filter inspect the backing Service.
func WithServiceLister(l corelisters.ServiceLister) Option {
	return func(r *Resolver) { r.services = l }
}

func WithLogger(log *logging.Entry) Option {
	return func(r *Resolver) { r.log = log }
}

// Resolver derives canonical services from Endpoints resources.
type Resolver struct {
	policy     Policy
	namespaces []*regexp.Regexp
	nsSelector labels.Selector
	svcSel     labels.Selector

	namespaceLister corelisters.NamespaceLister
	services        corelisters.ServiceLister
	log             *logging.Entry
}

// New compiles policy into a Resolver.
func New(policy Policy, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		policy:     policy,
		nsSelector: labels.SelectorFromSet(policy.NamespaceLabelSelector),
		svcSel:     labels.SelectorFromSet(policy.ServiceLabelSelector),
		log:        logging.WithField("component", "resolver"),
	}
	for _, expr := range policy.Namespaces {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid namespace pattern %q: %w", expr, err)
		}
		r.namespaces = append(r.namespaces, re)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NeedsNamespaces reports whether the policy reads namespace labels.
func (r *Resolver) NeedsNamespaces() bool {
	return len(r.policy.NamespaceLabelSelector) > 0
}

// Resolve builds the service described by body, an *corev1.Endpoints. It
// returns an error wrapping ErrOutOfScope or ErrInvalidResource when no
// service should be reconciled for it.
func (r *Resolver) Resolve(namespace, name string, body any) (*model.Service, error) {
	endpoints, ok := body.(*corev1.Endpoints)
	if !ok || endpoints == nil {
		return nil, fmt.Errorf("%w: got %T, expected *corev1.Endpoints", ErrInvalidResource, body)
	}

	if !r.namespaceAllowed(namespace) {
		return nil, fmt.Errorf("%w: namespace %s not watched", ErrOutOfScope, namespace)
	}
	if r.policy.IgnoreHeadless && r.isHeadless(namespace, name, endpoints) {
		return nil, fmt.Errorf("%w: %s/%s is headless", ErrOutOfScope, namespace, name)
	}
	if err := r.matchNamespaceLabels(namespace); err != nil {
		return nil, err
	}
	if !r.svcSel.Matches(labels.Set(endpoints.Labels)) {
		return nil, fmt.Errorf("%w: labels of %s/%s do not match %s", ErrOutOfScope, namespace, name, r.svcSel)
	}

	portName := r.portName(endpoints)
	svc := &model.Service{
		Namespace: namespace,
		Name:      name,
		PortName:  portName,
		Endpoints: model.NewEndpointSet(),
	}
	for i := range endpoints.Subsets {
		subset := &endpoints.Subsets[i]
		if len(subset.Addresses) == 0 {
			continue
		}
		port, ok := extractPortFromSubset(subset, portName)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s does not define TCP port %q", ErrInvalidResource, namespace, name, portName)
		}
		for _, address := range subset.Addresses {
			svc.Endpoints.Insert(model.Endpoint{IP: address.IP, Port: port})
		}
	}
	return svc, nil
}

func (r *Resolver) namespaceAllowed(namespace string) bool {
	for _, excluded := range r.policy.ExcludeNamespaces {
		if namespace == excluded {
			return false
		}
	}
	if len(r.namespaces) == 0 {
		return true
	}
	for _, re := range r.namespaces {
		if re.MatchString(namespace) {
			return true
		}
	}
	return false
}

func (r *Resolver) isHeadless(namespace, name string, endpoints *corev1.Endpoints) bool {
	if _, ok := endpoints.Labels[headlessServiceLabel]; ok {
		return true
	}
	if r.services == nil {
		return false
	}
	svc, err := r.services.Services(namespace).Get(name)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			r.log.Warnf("Failed to look up service %s/%s: %s", namespace, name, err)
		}
		return false
	}
	return svc.Spec.ClusterIP == corev1.ClusterIPNone
}

func (r *Resolver) matchNamespaceLabels(namespace string) error {
	if !r.NeedsNamespaces() {
		return nil
	}
	if r.namespaceLister == nil {
		return fmt.Errorf("%w: no namespace labels available for %s", ErrOutOfScope, namespace)
	}
	ns, err := r.namespaceLister.Get(namespace)
	if err != nil {
		return fmt.Errorf("%w: namespace %s: %s", ErrOutOfScope, namespace, err)
	}
	if !r.nsSelector.Matches(labels.Set(ns.Labels)) {
		return fmt.Errorf("%w: labels of namespace %s do not match %s", ErrOutOfScope, namespace, r.nsSelector)
	}
	return nil
}

func (r *Resolver) portName(endpoints *corev1.Endpoints) string {
	key := r.policy.PortNameKey
	if key == "" {
		return r.policy.DefaultPortName
	}
	if v, ok := endpoints.Annotations[key]; ok {
		return v
	}
	if v, ok := endpoints.Labels[key]; ok {
		return v
	}
	return r.policy.DefaultPortName
}

// extractPortFromSubset returns the number of the TCP port named portName.
func extractPortFromSubset(subset *corev1.EndpointSubset, portName string) (int32, bool) {
	for _, p := range subset.Ports {
		if p.Name != portName {
			continue
		}
		if p.Protocol == "" || p.Protocol == corev1.ProtocolTCP {
			return p.Port, true
		}
	}
	return 0, false
}
