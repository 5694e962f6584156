package model

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Endpoint is a single routable backend address.
type Endpoint struct {
	IP   string
	Port int32
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// EndpointSet is an unordered set of endpoints.
type EndpointSet map[Endpoint]struct{}

// NewEndpointSet returns a set holding the given endpoints. Duplicates collapse.
func NewEndpointSet(endpoints ...Endpoint) EndpointSet {
	s := make(EndpointSet, len(endpoints))
	for _, e := range endpoints {
		s[e] = struct{}{}
	}
	return s
}

func (s EndpointSet) Insert(e Endpoint) {
	s[e] = struct{}{}
}

func (s EndpointSet) Has(e Endpoint) bool {
	_, ok := s[e]
	return ok
}

func (s EndpointSet) Len() int {
	return len(s)
}

// Equal reports whether both sets hold exactly the same endpoints.
func (s EndpointSet) Equal(other EndpointSet) bool {
	if len(s) != len(other) {
		return false
	}
	for e := range s {
		if !other.Has(e) {
			return false
		}
	}
	return true
}

// Sorted returns the endpoints ordered by IP, then port.
func (s EndpointSet) Sorted() []Endpoint {
	out := make([]Endpoint, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Diff returns the endpoints present in s but not in old, and the ones
// present in old but no longer in s.
func (s EndpointSet) Diff(old EndpointSet) (added, removed []Endpoint) {
	for _, e := range s.Sorted() {
		if !old.Has(e) {
			added = append(added, e)
		}
	}
	for _, e := range old.Sorted() {
		if !s.Has(e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}

// ServiceID identifies a service in the reconciled state.
type ServiceID struct {
	Namespace string
	Name      string
}

func (id ServiceID) String() string {
	return fmt.Sprintf("%s/%s", id.Namespace, id.Name)
}

// Service is the canonical, policy filtered view of a resource's routable
// endpoints. A Service is replaced as a whole, never updated in place.
type Service struct {
	Namespace string
	Name      string
	PortName  string
	Endpoints EndpointSet
}

func (s *Service) ID() ServiceID {
	return ServiceID{Namespace: s.Namespace, Name: s.Name}
}

// Equal compares services structurally; endpoint order is irrelevant.
func (s *Service) Equal(other *Service) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Namespace == other.Namespace &&
		s.Name == other.Name &&
		s.PortName == other.PortName &&
		s.Endpoints.Equal(other.Endpoints)
}

func (s *Service) String() string {
	return fmt.Sprintf("%s:%s (%d endpoints)", s.ID(), s.PortName, s.Endpoints.Len())
}
