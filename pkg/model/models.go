package model

import "fmt"

// Action is the kind of change a notification carries.
type Action string

const (
	Added    Action = "ADDED"
	Modified Action = "MODIFIED"
	Deleted  Action = "DELETED"
	// Recovery is a replay of already existing state, e.g. the initial list
	// of a watch or a periodic resync.
	Recovery Action = "RECOVERY"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case Added, Modified, Deleted, Recovery:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}

// Key identifies the serialization unit of a notification.
type Key struct {
	Kind      string
	Namespace string
	Name      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// Event represents a single change to a watched resource. Events are not
// modified after NewEvent returns.
type Event struct {
	Kind      string
	Action    Action
	Namespace string
	Name      string
	Body      any
}

// NewEvent returns an event for the given resource.
func NewEvent(kind string, action Action, namespace, name string, body any) *Event {
	return &Event{
		Kind:      kind,
		Action:    action,
		Namespace: namespace,
		Name:      name,
		Body:      body,
	}
}

// Key returns the resource key the event belongs to.
func (e *Event) Key() Key {
	return Key{Kind: e.Kind, Namespace: e.Namespace, Name: e.Name}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s", e.Action, e.Key())
}
