package tuplestore

// The fixed keygate authorization schema, expressed as an OpenFGA-style
// authorization model. The schema is versioned with the code: EnsureModel
// installs it as a new model version, never mutating tuples.
//
// Conventions:
//   - parent tuples point from the containing object to the child
//     (user = parent object, object = child), so children of tenant:acme
//     are read with the filter (tenant:acme, parent, <type>:).
//   - reader/writer/manager union the directly assigned users with the
//     object's owner and every admin reachable through the parent chain.
//   - tenant existence is a (user:*, exists, tenant:<id>) marker tuple.

// ObjectType names used throughout the schema.
const (
	TypeUser         = "user"
	TypeSystem       = "system"
	TypeTenant       = "tenant"
	TypeOrganization = "organization"
	TypeRole         = "role"
	TypeLog          = "log"
	TypeLogEntry     = "log_entry"
	TypeAPIKey       = "apikey"
)

// Relation names used throughout the schema.
const (
	RelationAdmin    = "admin"
	RelationMember   = "member"
	RelationExists   = "exists"
	RelationIdentity = "identity"
	RelationAssignee = "assignee"
	RelationOwner    = "owner"
	RelationReader   = "reader"
	RelationWriter   = "writer"
	RelationManager  = "manager"
	RelationParent   = "parent"
)

// SchemaVersion is the OpenFGA model schema dialect keygate writes.
const SchemaVersion = "1.1"

// ChildTypes lists the object types that can hang off a tenant through
// parent edges, in the order cascade deletion walks them.
var ChildTypes = []string{TypeOrganization, TypeLog, TypeLogEntry, TypeRole, TypeAPIKey}

type authorizationModel struct {
	SchemaVersion   string           `json:"schema_version"`
	TypeDefinitions []typeDefinition `json:"type_definitions"`
}

type typeDefinition struct {
	Type      string             `json:"type"`
	Relations map[string]userset `json:"relations,omitempty"`
	Metadata  *typeMetadata      `json:"metadata,omitempty"`
}

type userset struct {
	This            *struct{}       `json:"this,omitempty"`
	ComputedUserset *objectRelation `json:"computedUserset,omitempty"`
	TupleToUserset  *tupleToUserset `json:"tupleToUserset,omitempty"`
	Union           *usersets       `json:"union,omitempty"`
}

type usersets struct {
	Child []userset `json:"child"`
}

type objectRelation struct {
	Object   string `json:"object"`
	Relation string `json:"relation,omitempty"`
}

type tupleToUserset struct {
	Tupleset        objectRelation `json:"tupleset"`
	ComputedUserset objectRelation `json:"computedUserset"`
}

type typeMetadata struct {
	Relations map[string]relationMetadata `json:"relations,omitempty"`
}

type relationMetadata struct {
	DirectlyRelatedUserTypes []relationReference `json:"directly_related_user_types,omitempty"`
}

type relationReference struct {
	Type     string    `json:"type"`
	Relation string    `json:"relation,omitempty"`
	Wildcard *struct{} `json:"wildcard,omitempty"`
}

func this() userset { return userset{This: &struct{}{}} }

func computed(relation string) userset {
	return userset{ComputedUserset: &objectRelation{Relation: relation}}
}

func fromParent(relation string) userset {
	return userset{TupleToUserset: &tupleToUserset{
		Tupleset:        objectRelation{Relation: RelationParent},
		ComputedUserset: objectRelation{Relation: relation},
	}}
}

func union(children ...userset) userset {
	return userset{Union: &usersets{Child: children}}
}

func direct(refs ...relationReference) relationMetadata {
	return relationMetadata{DirectlyRelatedUserTypes: refs}
}

func userRef() relationReference { return relationReference{Type: TypeUser} }

func userWildcard() relationReference {
	return relationReference{Type: TypeUser, Wildcard: &struct{}{}}
}

func roleAssignees() relationReference {
	return relationReference{Type: TypeRole, Relation: RelationAssignee}
}

func typeRef(t string) relationReference { return relationReference{Type: t} }

// keygateModel builds the authorization model document written by
// EnsureModel.
func keygateModel() authorizationModel {
	return authorizationModel{
		SchemaVersion: SchemaVersion,
		TypeDefinitions: []typeDefinition{
			{
				Type: TypeUser,
				Relations: map[string]userset{
					RelationIdentity: this(),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationIdentity: direct(userRef()),
				}},
			},
			{
				Type: TypeSystem,
				Relations: map[string]userset{
					RelationAdmin: this(),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationAdmin: direct(userRef(), roleAssignees()),
				}},
			},
			{
				Type: TypeTenant,
				Relations: map[string]userset{
					RelationAdmin:   this(),
					RelationMember:  this(),
					RelationExists:  this(),
					RelationReader:  computed(RelationAdmin),
					RelationWriter:  computed(RelationAdmin),
					RelationManager: computed(RelationAdmin),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationAdmin:  direct(userRef(), roleAssignees()),
					RelationMember: direct(userRef(), roleAssignees()),
					RelationExists: direct(userWildcard()),
				}},
			},
			{
				Type: TypeOrganization,
				Relations: map[string]userset{
					RelationParent:  this(),
					RelationAdmin:   union(this(), fromParent(RelationAdmin)),
					RelationMember:  this(),
					RelationReader:  union(this(), computed(RelationAdmin), fromParent(RelationReader)),
					RelationWriter:  union(this(), computed(RelationAdmin), fromParent(RelationWriter)),
					RelationManager: union(this(), computed(RelationAdmin), fromParent(RelationManager)),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationParent:  direct(typeRef(TypeTenant)),
					RelationAdmin:   direct(userRef(), roleAssignees()),
					RelationMember:  direct(userRef(), roleAssignees()),
					RelationReader:  direct(userRef(), roleAssignees()),
					RelationWriter:  direct(userRef(), roleAssignees()),
					RelationManager: direct(userRef(), roleAssignees()),
				}},
			},
			{
				Type: TypeRole,
				Relations: map[string]userset{
					RelationParent:   this(),
					RelationAssignee: union(this(), fromParent(RelationAssignee)),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationParent:   direct(typeRef(TypeRole)),
					RelationAssignee: direct(userRef(), roleAssignees()),
				}},
			},
			{
				Type: TypeLog,
				Relations: map[string]userset{
					RelationParent: this(),
					RelationOwner:  this(),
					RelationReader: union(this(), computed(RelationOwner), fromParent(RelationReader)),
					RelationWriter: union(this(), computed(RelationOwner), fromParent(RelationWriter)),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationParent: direct(typeRef(TypeTenant), typeRef(TypeOrganization)),
					RelationOwner:  direct(userRef()),
					RelationReader: direct(userRef(), roleAssignees()),
					RelationWriter: direct(userRef(), roleAssignees()),
				}},
			},
			{
				Type: TypeLogEntry,
				Relations: map[string]userset{
					RelationParent: this(),
					RelationOwner:  this(),
					RelationReader: union(this(), computed(RelationOwner), fromParent(RelationReader)),
					RelationWriter: union(this(), computed(RelationOwner), fromParent(RelationWriter)),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationParent: direct(typeRef(TypeLog)),
					RelationOwner:  direct(userRef()),
					RelationReader: direct(userRef(), roleAssignees()),
					RelationWriter: direct(userRef(), roleAssignees()),
				}},
			},
			{
				Type: TypeAPIKey,
				Relations: map[string]userset{
					RelationParent:  this(),
					RelationOwner:   this(),
					RelationManager: union(this(), computed(RelationOwner)),
				},
				Metadata: &typeMetadata{Relations: map[string]relationMetadata{
					RelationParent:  direct(typeRef(TypeUser)),
					RelationOwner:   direct(userRef()),
					RelationManager: direct(userRef(), roleAssignees()),
				}},
			},
		},
	}
}
