// Package tuplestore abstracts the relationship tuple store that backs
// keygate's authorization graph.
//
// The serving deployment delegates every check to an external OpenFGA-style
// backend over HTTP; an in-process evaluator of the same fixed schema exists
// for development and tests. Both sit behind the Store interface and a
// configuration-driven factory.
package tuplestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/keygate-io/keygate/pkg/errors"
)

// Tuple is a single relationship edge: User is related to Object as Relation.
// User may carry a userset suffix (e.g. "role:engineer#assignee") to encode
// set membership. Object and plain users are "<type>:<id>" strings.
type Tuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// String renders the tuple in the conventional (user, relation, object) form.
func (t Tuple) String() string {
	return fmt.Sprintf("(%s, %s, %s)", t.User, t.Relation, t.Object)
}

// Validate checks the tuple's reference format. Contextual and persisted
// tuples share the same constraints.
func (t Tuple) Validate() error {
	if err := ValidateRef(t.Object); err != nil {
		return fmt.Errorf("object: %w", err)
	}
	if t.Relation == "" {
		return fmt.Errorf("relation must not be empty")
	}
	user := t.User
	if idx := strings.Index(user, "#"); idx >= 0 {
		if user[idx+1:] == "" {
			return fmt.Errorf("user: userset relation must not be empty")
		}
		user = user[:idx]
	}
	if err := ValidateRef(user); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	return nil
}

// ValidateRef checks that ref has the "<type>:<id>" form.
func ValidateRef(ref string) error {
	typ, id, ok := strings.Cut(ref, ":")
	if !ok || typ == "" || id == "" {
		return fmt.Errorf("reference %q is not of the form <type>:<id>", ref)
	}
	return nil
}

// RefType returns the <type> part of a "<type>:<id>" reference.
func RefType(ref string) string {
	typ, _, _ := strings.Cut(ref, ":")
	return typ
}

// ReadFilter narrows a ReadTuples call. Empty fields match everything.
// Object may be a full "<type>:<id>" reference or a bare "<type>:" prefix to
// match every object of that type.
type ReadFilter struct {
	User     string
	Relation string
	Object   string
}

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=tuplestore.go Store

// Store is the narrow interface keygate requires from a tuple backend.
//
// Implementations must be safe for concurrent use. The tenant argument
// selects the backing store in per-tenant deployments; in local and memory
// modes all tenants share one graph and isolation is topological.
type Store interface {
	// EnsureStore makes sure a store exists for the tenant and remembers
	// its id. Idempotent.
	EnsureStore(ctx context.Context, tenant string) error

	// EnsureModel makes sure the fixed authorization model is installed on
	// the tenant's store. Installing over an older model adds a new model
	// version; existing tuples are untouched. Idempotent.
	EnsureModel(ctx context.Context, tenant string) error

	// WriteTuples persists the given tuples. Writing an existing tuple is
	// not an error. Batches are ordered deterministically so a retried
	// partial write converges.
	WriteTuples(ctx context.Context, tenant string, tuples []Tuple) error

	// DeleteTuples removes the given tuples. Deleting a missing tuple is
	// not an error.
	DeleteTuples(ctx context.Context, tenant string, tuples []Tuple) error

	// Check evaluates whether user holds relation on object, considering
	// the supplied contextual tuples for this call only.
	Check(ctx context.Context, tenant, user, relation, object string, contextual []Tuple) (bool, error)

	// ReadTuples returns the persisted tuples matching the filter. An
	// empty tenant reads the shared graph in local and memory modes and
	// fans out over every provisioned store in per-tenant mode.
	ReadTuples(ctx context.Context, tenant string, filter ReadFilter) ([]Tuple, error)

	// Close releases backend resources.
	Close() error
}

// NewUnavailableError classifies a transport-level or 5xx backend failure.
// Retryable by the caller; surfaces as 503.
func NewUnavailableError(op string, cause error) *errors.Error {
	return errors.NewBackendUnavailableError(fmt.Sprintf("tuple store %s failed", op), cause)
}

// NewRejectedError classifies a permanent backend rejection such as a schema
// violation. Not retryable.
func NewRejectedError(op string, cause error) *errors.Error {
	return errors.NewValidationError(fmt.Sprintf("tuple store rejected %s", op), cause)
}
