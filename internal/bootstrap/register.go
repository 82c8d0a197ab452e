package bootstrap

import (
	"github.com/casedeskhq/eventengine/pkg/eventstore"
)

// RegisterDomain is the single place deployments bind their event types and
// subscribers. The engine ships with none: a store with no subscribers still
// appends, dispatches, and projects, it just has nobody listening.
//
// A deployment adds its bindings here, for example:
//
//	serializer.Bind(CaseOpened{}, CaseClosed{})
//	registry.Subscribe("CaseOpened", notifyAssignee)
func RegisterDomain(serializer *eventstore.JSONSerializer, registry *eventstore.Registry) {
}
