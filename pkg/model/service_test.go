package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceEqual(t *testing.T) {
	a := Endpoint{IP: "10.0.0.1", Port: 8080}
	b := Endpoint{IP: "10.0.0.2", Port: 8080}
	c := Endpoint{IP: "10.0.0.1", Port: 9090}

	svc := func(portName string, eps ...Endpoint) *Service {
		return &Service{Namespace: "ns", Name: "web", PortName: portName, Endpoints: NewEndpointSet(eps...)}
	}

	for i, test := range []struct {
		x, y *Service
		want bool
	}{
		{svc("http", a, b), svc("http", b, a), true},
		{svc("http", a, b, a), svc("http", b, a), true},
		{svc("http"), svc("http"), true},
		{svc("http", a), svc("http", a, b), false},
		{svc("http", a, b), svc("http", a, c), false},
		{svc("http", a), svc("grpc", a), false},
		{svc("http", a), &Service{Namespace: "other", Name: "web", PortName: "http", Endpoints: NewEndpointSet(a)}, false},
		{svc("http", a), nil, false},
		{nil, nil, true},
	} {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			assert.Equal(t, test.want, test.x.Equal(test.y))
			assert.Equal(t, test.want, test.y.Equal(test.x))
		})
	}
}

func TestEndpointSetDiff(t *testing.T) {
	old := NewEndpointSet(
		Endpoint{IP: "10.0.0.1", Port: 80},
		Endpoint{IP: "10.0.0.2", Port: 80},
	)
	cur := NewEndpointSet(
		Endpoint{IP: "10.0.0.2", Port: 80},
		Endpoint{IP: "10.0.0.3", Port: 80},
	)

	added, removed := cur.Diff(old)
	assert.Equal(t, []Endpoint{{IP: "10.0.0.3", Port: 80}}, added)
	assert.Equal(t, []Endpoint{{IP: "10.0.0.1", Port: 80}}, removed)

	added, removed = cur.Diff(cur)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:8080", Endpoint{IP: "10.0.0.1", Port: 8080}.String())
	assert.Equal(t, "[fd00::1]:8080", Endpoint{IP: "fd00::1", Port: 8080}.String())
}

func TestEventKey(t *testing.T) {
	ev := NewEvent("endpoints", Modified, "default", "web", nil)
	assert.Equal(t, Key{Kind: "endpoints", Namespace: "default", Name: "web"}, ev.Key())
	assert.Equal(t, "MODIFIED endpoints/default/web", ev.String())
	assert.True(t, Recovery.Valid())
	assert.False(t, Action("ERROR").Valid())
}
