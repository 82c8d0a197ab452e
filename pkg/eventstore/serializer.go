package eventstore

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/casedeskhq/eventengine/pkg/errors"
)

// Serializer maps a domain event instance to and from its (name, payload)
// storage form. Implementations must be pure and stateless after the
// registration pass at process start.
type Serializer interface {
	Serialize(event Event) (name string, payload []byte, err error)
	Deserialize(name string, payload []byte) (Event, error)
}

type binding struct {
	typ       reflect.Type
	asPointer bool
}

// JSONSerializer encodes registered event types as JSON. Only bound events
// can be encoded or decoded; an unrecognized name fails with a serialization
// error the callers treat as a per-event failure.
type JSONSerializer struct {
	mtx      sync.RWMutex
	bindings map[string]binding
}

func NewJSONSerializer(events ...Event) *JSONSerializer {
	s := &JSONSerializer{bindings: make(map[string]binding)}
	s.Bind(events...)
	return s
}

// Bind registers one or more event prototypes with the serializer. Decoded
// events come back in the same form the prototype was registered in: value
// prototypes decode to values, pointer prototypes to pointers.
func (s *JSONSerializer) Bind(events ...Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, event := range events {
		t := reflect.TypeOf(event)
		asPointer := t.Kind() == reflect.Ptr
		if asPointer {
			t = t.Elem()
		}
		s.bindings[event.EventName()] = binding{typ: t, asPointer: asPointer}
	}
}

func (s *JSONSerializer) Serialize(event Event) (string, []byte, error) {
	if event == nil {
		return "", nil, errors.New(errors.CodeValidation, "nil event")
	}
	s.mtx.RLock()
	_, bound := s.bindings[event.EventName()]
	s.mtx.RUnlock()
	if !bound {
		return "", nil, errors.Newf(errors.CodeSerialization, "event %q is not bound", event.EventName())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", nil, errors.Wrap(errors.CodeSerialization, err, "encoding event "+event.EventName())
	}
	return event.EventName(), payload, nil
}

func (s *JSONSerializer) Deserialize(name string, payload []byte) (Event, error) {
	s.mtx.RLock()
	b, ok := s.bindings[name]
	s.mtx.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeSerialization, "unbound event type %q", name)
	}
	ptr := reflect.New(b.typ)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, errors.Wrap(errors.CodeSerialization, err, "decoding event "+name)
	}
	var decoded any = ptr.Interface()
	if !b.asPointer {
		decoded = ptr.Elem().Interface()
	}
	event, ok := decoded.(Event)
	if !ok {
		return nil, errors.Newf(errors.CodeSerialization, "type bound to %q does not implement Event", name)
	}
	return event, nil
}
