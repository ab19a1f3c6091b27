package authz

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

// Permission names accepted by the public surface alongside raw relation
// names. Anything else is passed to the tuple store verbatim.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
	PermissionOwner = "owner"
)

// SystemObject is the object platform operators hold admin on. Tenant-level
// checks never reach it; it is consulted only for cross-tenant operations.
const SystemObject = "system:*"

// Roles assignable on a tenant.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// KEKBootstrapper seeds and purges per-tenant key custody state. Implemented
// by the kek registry; nil disables custody bootstrap (tests).
type KEKBootstrapper interface {
	// BootstrapTenant creates the tenant's first key version.
	BootstrapTenant(ctx context.Context, tenant string) error

	// PurgeTenant removes every key version, wrapped blob and recovery
	// session the tenant owns.
	PurgeTenant(ctx context.Context, tenant string) error
}

// Authorizer answers permission checks and manages the relationship graph
// and tenant lifecycle.
type Authorizer interface {
	// Check reports whether user holds permission on object within tenant.
	// Contextual tuples join the evaluation for this call only and bypass
	// the decision cache. Backend failures propagate; a check never falls
	// back to a silent deny.
	Check(ctx context.Context, tenant, user, permission, object string, contextual []tuplestore.Tuple) (bool, error)

	// Grant writes the relationship tuple for (user, permission, object).
	// Idempotent.
	Grant(ctx context.Context, tenant, user, permission, object string) error

	// Revoke removes the relationship tuple. Revoking an absent grant is
	// not an error.
	Revoke(ctx context.Context, tenant, user, permission, object string) error

	// CreateTenant provisions the tenant: existence marker, admin and
	// member tuples for adminUser, and the first key version. An existing
	// tenant id is a conflict.
	CreateTenant(ctx context.Context, tenant, adminUser string) error

	// DeleteTenant authorizes principal (tenant admin or system admin),
	// then removes the tenant's graph, custody state and cached decisions.
	DeleteTenant(ctx context.Context, tenant, principal string) error

	// ListTenants returns the ids of all provisioned tenants.
	ListTenants(ctx context.Context) ([]string, error)

	// AddUserToTenant makes user a member (role "member") or an admin and
	// member (role "admin") of the tenant.
	AddUserToTenant(ctx context.Context, tenant, user, role string) error

	// UpdateUserRole promotes user to admin or demotes to plain member.
	UpdateUserRole(ctx context.Context, tenant, user, role string) error
}

type authorizer struct {
	store     tuplestore.Store
	cache     *Cache
	bootstrap KEKBootstrapper
	// flight collapses concurrent cache misses for the same decision into
	// a single backend query.
	flight singleflight.Group
}

// NewAuthorizer builds the Authorizer over the given store and cache. The
// caller owns both lifecycles. bootstrap may be nil.
func NewAuthorizer(store tuplestore.Store, cache *Cache, bootstrap KEKBootstrapper) Authorizer {
	return &authorizer{store: store, cache: cache, bootstrap: bootstrap}
}

// relationForPermission maps the coarse permission names of the public API
// onto schema relations. Unknown names pass through so callers can address
// schema relations (member, assignee, parent) directly.
func relationForPermission(permission string) string {
	switch permission {
	case PermissionRead:
		return tuplestore.RelationReader
	case PermissionWrite:
		return tuplestore.RelationWriter
	case PermissionAdmin:
		return tuplestore.RelationAdmin
	case PermissionOwner:
		return tuplestore.RelationOwner
	default:
		return permission
	}
}

// normalizeSubject defaults bare ids to the user type. Typed references and
// userset references pass through.
func normalizeSubject(subject string) string {
	if strings.Contains(subject, ":") {
		return subject
	}
	return tuplestore.TypeUser + ":" + subject
}

// normalizeTuple orients a tuple for storage. Parent edges arrive from the
// public surface as (child, parent, container) and are stored flipped, with
// the container in the user position, which is the direction inheritance
// resolution walks.
func normalizeTuple(t tuplestore.Tuple) tuplestore.Tuple {
	t.User = normalizeSubject(t.User)
	t.Relation = relationForPermission(t.Relation)
	if t.Relation == tuplestore.RelationParent {
		t.User, t.Object = t.Object, t.User
	}
	return t
}

func (a *authorizer) Check(ctx context.Context, tenant, user, permission, object string, contextual []tuplestore.Tuple) (bool, error) {
	subject := normalizeSubject(user)
	relation := relationForPermission(permission)
	if err := tuplestore.ValidateRef(object); err != nil {
		return false, errors.NewValidationError("invalid object reference", err)
	}

	checkUser, checkObject := subject, object
	if relation == tuplestore.RelationParent {
		checkUser, checkObject = checkObject, checkUser
	}

	// Contextual tuples make the decision request-specific; the cache
	// only ever holds decisions over the persisted graph.
	if len(contextual) > 0 {
		normalized := make([]tuplestore.Tuple, len(contextual))
		for i, t := range contextual {
			normalized[i] = normalizeTuple(t)
		}
		return a.store.Check(ctx, tenant, checkUser, relation, checkObject, normalized)
	}

	key := cacheKey{tenant: tenant, user: subject, relation: relation, object: object}
	if allowed, ok := a.cache.get(key); ok {
		return allowed, nil
	}

	result, err, _ := a.flight.Do(key.String(), func() (any, error) {
		// Another caller may have filled the cache while we waited.
		if allowed, ok := a.cache.get(key); ok {
			return allowed, nil
		}
		allowed, err := a.store.Check(ctx, tenant, checkUser, relation, checkObject, nil)
		if err != nil {
			return false, err
		}
		a.cache.put(key, allowed)
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (a *authorizer) Grant(ctx context.Context, tenant, user, permission, object string) error {
	tuple := normalizeTuple(tuplestore.Tuple{User: user, Relation: permission, Object: object})
	if err := a.store.WriteTuples(ctx, tenant, []tuplestore.Tuple{tuple}); err != nil {
		return err
	}
	a.cache.invalidate(cacheKey{
		tenant:   tenant,
		user:     normalizeSubject(user),
		relation: relationForPermission(permission),
		object:   object,
	})
	return nil
}

func (a *authorizer) Revoke(ctx context.Context, tenant, user, permission, object string) error {
	tuple := normalizeTuple(tuplestore.Tuple{User: user, Relation: permission, Object: object})
	if err := a.store.DeleteTuples(ctx, tenant, []tuplestore.Tuple{tuple}); err != nil {
		return err
	}
	a.cache.invalidate(cacheKey{
		tenant:   tenant,
		user:     normalizeSubject(user),
		relation: relationForPermission(permission),
		object:   object,
	})
	return nil
}

func (a *authorizer) CreateTenant(ctx context.Context, tenant, adminUser string) error {
	if !tenantIDPattern.MatchString(tenant) {
		return errors.NewValidationError(fmt.Sprintf("invalid tenant id %q", tenant), nil)
	}
	if adminUser == "" {
		return errors.NewValidationError("admin user must not be empty", nil)
	}

	if err := a.store.EnsureStore(ctx, tenant); err != nil {
		return err
	}
	if err := a.store.EnsureModel(ctx, tenant); err != nil {
		return err
	}

	tenantRef := tuplestore.TypeTenant + ":" + tenant
	existing, err := a.store.ReadTuples(ctx, tenant, tuplestore.ReadFilter{
		Relation: tuplestore.RelationExists,
		Object:   tenantRef,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errors.NewConflictError(fmt.Sprintf("tenant %q already exists", tenant), nil)
	}

	admin := normalizeSubject(adminUser)
	tuples := []tuplestore.Tuple{
		{User: tuplestore.TypeUser + ":*", Relation: tuplestore.RelationExists, Object: tenantRef},
		{User: admin, Relation: tuplestore.RelationAdmin, Object: tenantRef},
		{User: admin, Relation: tuplestore.RelationMember, Object: tenantRef},
	}
	if err := a.store.WriteTuples(ctx, tenant, tuples); err != nil {
		return err
	}

	if a.bootstrap != nil {
		if err := a.bootstrap.BootstrapTenant(ctx, tenant); err != nil {
			// Roll the graph back so a retry does not hit the
			// collision check.
			if derr := a.store.DeleteTuples(ctx, tenant, tuples); derr != nil {
				logger.Warnw("failed to roll back tenant tuples", "tenant", tenant, "error", derr)
			}
			return err
		}
	}

	logger.Infow("tenant created", "tenant", tenant, "admin", admin)
	return nil
}

func (a *authorizer) DeleteTenant(ctx context.Context, tenant, principal string) error {
	subject := normalizeSubject(principal)
	tenantRef := tuplestore.TypeTenant + ":" + tenant

	allowed, err := a.store.Check(ctx, tenant, subject, tuplestore.RelationAdmin, tenantRef, nil)
	if err != nil {
		return err
	}
	if !allowed {
		allowed, err = a.store.Check(ctx, tenant, subject, tuplestore.RelationAdmin, SystemObject, nil)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return errors.NewAccessDeniedError(fmt.Sprintf("%s may not delete tenant %q", subject, tenant), nil)
	}

	marker, err := a.store.ReadTuples(ctx, tenant, tuplestore.ReadFilter{
		Relation: tuplestore.RelationExists,
		Object:   tenantRef,
	})
	if err != nil {
		return err
	}
	if len(marker) == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("tenant %q not found", tenant), nil)
	}

	toDelete, err := a.collectTenantGraph(ctx, tenant, tenantRef)
	if err != nil {
		return err
	}
	if err := a.store.DeleteTuples(ctx, tenant, toDelete); err != nil {
		return err
	}

	if a.bootstrap != nil {
		if err := a.bootstrap.PurgeTenant(ctx, tenant); err != nil {
			return err
		}
	}

	a.cache.invalidateTenant(tenant)
	logger.Infow("tenant deleted", "tenant", tenant, "principal", subject, "tuples", len(toDelete))
	return nil
}

// collectTenantGraph walks parent edges breadth-first from the tenant and
// gathers every tuple attached to a reachable object.
func (a *authorizer) collectTenantGraph(ctx context.Context, tenant, tenantRef string) ([]tuplestore.Tuple, error) {
	var toDelete []tuplestore.Tuple
	queue := []string{tenantRef}
	seen := map[string]bool{}

	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		if seen[obj] {
			continue
		}
		seen[obj] = true

		for _, childType := range tuplestore.ChildTypes {
			edges, err := a.store.ReadTuples(ctx, tenant, tuplestore.ReadFilter{
				User:     obj,
				Relation: tuplestore.RelationParent,
				Object:   childType + ":",
			})
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				queue = append(queue, edge.Object)
			}
		}

		attached, err := a.store.ReadTuples(ctx, tenant, tuplestore.ReadFilter{Object: obj})
		if err != nil {
			return nil, err
		}
		toDelete = append(toDelete, attached...)
	}
	return toDelete, nil
}

func (a *authorizer) ListTenants(ctx context.Context) ([]string, error) {
	markers, err := a.store.ReadTuples(ctx, "", tuplestore.ReadFilter{
		Relation: tuplestore.RelationExists,
		Object:   tuplestore.TypeTenant + ":",
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(markers))
	for _, t := range markers {
		ids = append(ids, strings.TrimPrefix(t.Object, tuplestore.TypeTenant+":"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *authorizer) AddUserToTenant(ctx context.Context, tenant, user, role string) error {
	if role != RoleAdmin && role != RoleMember {
		return errors.NewValidationError(fmt.Sprintf("unknown tenant role %q", role), nil)
	}

	subject := normalizeSubject(user)
	tenantRef := tuplestore.TypeTenant + ":" + tenant

	tuples := []tuplestore.Tuple{
		{User: subject, Relation: tuplestore.RelationMember, Object: tenantRef},
	}
	if role == RoleAdmin {
		tuples = append(tuples, tuplestore.Tuple{User: subject, Relation: tuplestore.RelationAdmin, Object: tenantRef})
	}
	if err := a.store.WriteTuples(ctx, tenant, tuples); err != nil {
		return err
	}

	for _, t := range tuples {
		a.cache.invalidate(cacheKey{tenant: tenant, user: t.User, relation: t.Relation, object: t.Object})
	}
	return nil
}

func (a *authorizer) UpdateUserRole(ctx context.Context, tenant, user, role string) error {
	if role != RoleAdmin && role != RoleMember {
		return errors.NewValidationError(fmt.Sprintf("unknown tenant role %q", role), nil)
	}

	subject := normalizeSubject(user)
	tenantRef := tuplestore.TypeTenant + ":" + tenant
	adminTuple := tuplestore.Tuple{User: subject, Relation: tuplestore.RelationAdmin, Object: tenantRef}
	memberTuple := tuplestore.Tuple{User: subject, Relation: tuplestore.RelationMember, Object: tenantRef}

	if err := a.store.WriteTuples(ctx, tenant, []tuplestore.Tuple{memberTuple}); err != nil {
		return err
	}
	if role == RoleAdmin {
		if err := a.store.WriteTuples(ctx, tenant, []tuplestore.Tuple{adminTuple}); err != nil {
			return err
		}
	} else {
		if err := a.store.DeleteTuples(ctx, tenant, []tuplestore.Tuple{adminTuple}); err != nil {
			return err
		}
	}

	a.cache.invalidate(cacheKey{tenant: tenant, user: subject, relation: tuplestore.RelationAdmin, object: tenantRef})
	a.cache.invalidate(cacheKey{tenant: tenant, user: subject, relation: tuplestore.RelationMember, object: tenantRef})
	return nil
}
