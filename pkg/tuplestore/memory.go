package tuplestore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// parentInheritable lists the relations that flow down parent edges. Matches
// the model in model.go: admins administer everything beneath them, role
// assignment follows the role hierarchy, and read/write/manage grants on a
// container apply to its children. Ownership and membership do not inherit.
var parentInheritable = map[string]bool{
	RelationAdmin:    true,
	RelationAssignee: true,
	RelationReader:   true,
	RelationWriter:   true,
	RelationManager:  true,
}

// unionsWithAdmin lists the relations that any admin (and the object's
// owner) implicitly holds.
var unionsWithAdmin = map[string]bool{
	RelationReader:  true,
	RelationWriter:  true,
	RelationManager: true,
}

// MemoryStore evaluates the fixed keygate schema in-process over a single
// shared graph. Tenant isolation is topological, as in local mode. Intended
// for development and tests; production deployments delegate to an external
// backend.
type MemoryStore struct {
	mu       sync.RWMutex
	set      map[Tuple]struct{}
	byObject map[string][]Tuple
}

// NewMemoryStore creates an empty in-process tuple store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		set:      make(map[Tuple]struct{}),
		byObject: make(map[string][]Tuple),
	}
}

var _ Store = (*MemoryStore)(nil)

// EnsureStore implements Store. The in-process graph always exists.
func (*MemoryStore) EnsureStore(_ context.Context, _ string) error { return nil }

// EnsureModel implements Store. The schema is compiled in.
func (*MemoryStore) EnsureModel(_ context.Context, _ string) error { return nil }

// WriteTuples adds tuples to the graph. Existing tuples are left in place.
func (s *MemoryStore) WriteTuples(_ context.Context, _ string, tuples []Tuple) error {
	ordered, err := orderedCopy(tuples)
	if err != nil {
		return NewRejectedError("write", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ordered {
		if _, ok := s.set[t]; ok {
			continue
		}
		s.set[t] = struct{}{}
		s.byObject[t.Object] = append(s.byObject[t.Object], t)
	}
	return nil
}

// DeleteTuples removes tuples from the graph. Missing tuples are ignored.
func (s *MemoryStore) DeleteTuples(_ context.Context, _ string, tuples []Tuple) error {
	ordered, err := orderedCopy(tuples)
	if err != nil {
		return NewRejectedError("delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ordered {
		if _, ok := s.set[t]; !ok {
			continue
		}
		delete(s.set, t)
		onObject := s.byObject[t.Object]
		for i, existing := range onObject {
			if existing == t {
				s.byObject[t.Object] = append(onObject[:i], onObject[i+1:]...)
				break
			}
		}
		if len(s.byObject[t.Object]) == 0 {
			delete(s.byObject, t.Object)
		}
	}
	return nil
}

// Check evaluates the relation over the graph plus the contextual tuples.
func (s *MemoryStore) Check(_ context.Context, _ string, user, relation, object string, contextual []Tuple) (bool, error) {
	if err := ValidateRef(user); err != nil {
		return false, NewRejectedError("check", err)
	}
	if err := ValidateRef(object); err != nil {
		return false, NewRejectedError("check", err)
	}
	for _, t := range contextual {
		if err := t.Validate(); err != nil {
			return false, NewRejectedError("check", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	eval := &evaluator{
		store:      s,
		contextual: contextual,
		visited:    make(map[checkKey]bool),
	}
	return eval.check(user, relation, object), nil
}

// ReadTuples returns tuples matching the filter in deterministic order.
func (s *MemoryStore) ReadTuples(_ context.Context, _ string, filter ReadFilter) ([]Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Tuple
	for t := range s.set {
		if matchesFilter(t, filter) {
			out = append(out, t)
		}
	}
	sortTuples(out)
	return out, nil
}

// Close implements Store.
func (*MemoryStore) Close() error { return nil }

func matchesFilter(t Tuple, f ReadFilter) bool {
	if f.User != "" && t.User != f.User {
		return false
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if f.Object != "" {
		if strings.HasSuffix(f.Object, ":") {
			if !strings.HasPrefix(t.Object, f.Object) {
				return false
			}
		} else if t.Object != f.Object {
			return false
		}
	}
	return true
}

func orderedCopy(tuples []Tuple) ([]Tuple, error) {
	out := make([]Tuple, len(tuples))
	copy(out, tuples)
	for _, t := range out {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	sortTuples(out)
	return out, nil
}

func sortTuples(tuples []Tuple) {
	sort.Slice(tuples, func(i, j int) bool {
		a, b := tuples[i], tuples[j]
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Relation != b.Relation {
			return a.Relation < b.Relation
		}
		return a.Object < b.Object
	})
}

type checkKey struct {
	user     string
	relation string
	object   string
}

// evaluator resolves one check over the store graph unioned with the
// contextual tuples. The visited set breaks relation cycles (role parents
// may form loops; a revisited node contributes nothing new).
type evaluator struct {
	store      *MemoryStore
	contextual []Tuple
	visited    map[checkKey]bool
}

func (e *evaluator) tuplesOn(object string) []Tuple {
	tuples := e.store.byObject[object]
	if len(e.contextual) == 0 {
		return tuples
	}
	merged := make([]Tuple, 0, len(tuples)+len(e.contextual))
	merged = append(merged, tuples...)
	for _, t := range e.contextual {
		if t.Object == object {
			merged = append(merged, t)
		}
	}
	return merged
}

func (e *evaluator) check(user, relation, object string) bool {
	key := checkKey{user, relation, object}
	if e.visited[key] {
		return false
	}
	e.visited[key] = true

	tuples := e.tuplesOn(object)

	// Direct assignment and userset expansion.
	for _, t := range tuples {
		if t.Relation != relation {
			continue
		}
		if t.User == user {
			return true
		}
		if setObject, setRelation, ok := splitUserset(t.User); ok {
			if e.check(user, setRelation, setObject) {
				return true
			}
		}
	}

	// Admins and owners implicitly hold reader/writer/manager.
	if unionsWithAdmin[relation] {
		if e.check(user, RelationAdmin, object) {
			return true
		}
		for _, t := range tuples {
			if t.Relation == RelationOwner && t.User == user {
				return true
			}
		}
	}

	// Walk up parent edges for inheritable relations.
	if parentInheritable[relation] {
		for _, t := range tuples {
			if t.Relation != RelationParent {
				continue
			}
			if e.check(user, relation, t.User) {
				return true
			}
		}
	}

	return false
}

// splitUserset decomposes "role:engineer#assignee" into
// ("role:engineer", "assignee", true). Plain user references return ok=false.
func splitUserset(user string) (object, relation string, ok bool) {
	idx := strings.Index(user, "#")
	if idx < 0 {
		return "", "", false
	}
	return user[:idx], user[idx+1:], true
}
