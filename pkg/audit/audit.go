// Package audit records security-relevant events: logins, token exchanges,
// permission changes, key custody operations. Events are structured records
// with a stable shape, written through the process logger so deployments
// aggregate them alongside operational logs.
package audit

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/keygate-io/keygate/pkg/logger"
)

// Outcome classifies how the audited operation ended.
type Outcome string

const (
	// OutcomeSuccess marks a completed operation.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure marks an operation that errored.
	OutcomeFailure Outcome = "failure"
	// OutcomeDenied marks an operation refused by authentication or
	// authorization.
	OutcomeDenied Outcome = "denied"
)

// EventSource describes where a request came from.
type EventSource struct {
	Type  string            `json:"type"`
	Value string            `json:"value"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Event is one audit record.
type Event struct {
	ID        string            `json:"audit_id"`
	Type      string            `json:"type"`
	LoggedAt  time.Time         `json:"logged_at"`
	Outcome   Outcome           `json:"outcome"`
	Component string            `json:"component"`
	Tenant    string            `json:"tenant,omitempty"`
	Source    EventSource       `json:"source"`
	Subjects  map[string]string `json:"subjects,omitempty"`
	Target    map[string]string `json:"target,omitempty"`
	Extra     map[string]any    `json:"extra,omitempty"`
}

// NewEvent starts an event of the given type and outcome, stamped now.
func NewEvent(eventType string, outcome Outcome) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		LoggedAt: time.Now().UTC(),
		Outcome:  outcome,
	}
}

// WithTenant sets the tenant the event happened in.
func (e *Event) WithTenant(tenant string) *Event {
	e.Tenant = tenant
	return e
}

// WithSource sets where the request came from.
func (e *Event) WithSource(source EventSource) *Event {
	e.Source = source
	return e
}

// WithSubject records who acted.
func (e *Event) WithSubject(key, value string) *Event {
	if e.Subjects == nil {
		e.Subjects = make(map[string]string)
	}
	e.Subjects[key] = value
	return e
}

// WithTarget records what was acted on.
func (e *Event) WithTarget(key, value string) *Event {
	if e.Target == nil {
		e.Target = make(map[string]string)
	}
	e.Target[key] = value
	return e
}

// WithExtra attaches free-form metadata.
func (e *Event) WithExtra(key string, value any) *Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// FromRequest derives the event source from an HTTP request: the peer
// address plus user agent and the request id when present.
func FromRequest(r *http.Request) EventSource {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	extra := make(map[string]string)
	if ua := r.UserAgent(); ua != "" {
		extra[SourceExtraKeyUserAgent] = ua
	}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		extra[SourceExtraKeyRequestID] = reqID
	}
	if len(extra) == 0 {
		extra = nil
	}

	return EventSource{
		Type:  "network",
		Value: host,
		Extra: extra,
	}
}

// Auditor writes events for one component.
type Auditor struct {
	component string
}

// NewAuditor builds an auditor stamping events with the given component
// name.
func NewAuditor(component string) *Auditor {
	return &Auditor{component: component}
}

// Record emits the event. Nil events are ignored.
func (a *Auditor) Record(_ context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.Component == "" {
		event.Component = a.component
	}

	kvs := []any{
		"audit_id", event.ID,
		"type", event.Type,
		"logged_at", event.LoggedAt,
		"outcome", string(event.Outcome),
		"component", event.Component,
	}
	if event.Tenant != "" {
		kvs = append(kvs, "tenant", event.Tenant)
	}
	if event.Source.Value != "" {
		kvs = append(kvs, "source_type", event.Source.Type, "source", event.Source.Value)
	}
	for k, v := range event.Source.Extra {
		kvs = append(kvs, "source_"+k, v)
	}
	if len(event.Subjects) > 0 {
		kvs = append(kvs, "subjects", event.Subjects)
	}
	if len(event.Target) > 0 {
		kvs = append(kvs, "target", event.Target)
	}
	if len(event.Extra) > 0 {
		kvs = append(kvs, "extra", event.Extra)
	}

	logger.Infow("audit event", kvs...)
}
