package eventstore

import (
	"strings"

	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/oklog/ulid/v2"
)

// StreamID identifies the event history of one aggregate instance. The wire
// form is "{StreamType}:{AggregateID}", e.g. "Case:01HXQ3...".
type StreamID struct {
	Type string
	ID   string
}

// NewStreamID mints a stream id for a brand new aggregate of the given type.
// Aggregate ids are ULIDs: 26 characters, lexicographically sortable,
// time-ordered.
func NewStreamID(streamType string) StreamID {
	return StreamID{Type: streamType, ID: ulid.Make().String()}
}

// ParseStreamID splits the "{StreamType}:{AggregateID}" wire form.
func ParseStreamID(s string) (StreamID, error) {
	streamType, id, ok := strings.Cut(s, ":")
	if !ok || streamType == "" || id == "" {
		return StreamID{}, errors.Newf(errors.CodeValidation, "malformed stream id %q", s)
	}
	return StreamID{Type: streamType, ID: id}, nil
}

func (s StreamID) String() string {
	return s.Type + ":" + s.ID
}

// IsZero reports whether the stream id is unset.
func (s StreamID) IsZero() bool {
	return s.Type == "" && s.ID == ""
}
