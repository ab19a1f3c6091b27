package audit

// Event types for authentication operations.
const (
	// EventTypeLogin is recorded when a user or client signs in through
	// the identity provider.
	EventTypeLogin = "auth_login"
	// EventTypeLogout is recorded when a session token is revoked.
	EventTypeLogout = "auth_logout"
	// EventTypeTokenExchange is recorded when an identity-provider token
	// is traded for a keygate session.
	EventTypeTokenExchange = "auth_token_exchange"
	// EventTypeResourceToken is recorded when a session is downscoped to
	// a token for a specific resource.
	EventTypeResourceToken = "auth_resource_token"
)

// Event types for API key operations.
const (
	// EventTypeAPIKeyCreated is recorded when an API key is minted.
	EventTypeAPIKeyCreated = "apikey_created"
	// EventTypeAPIKeyRevoked is recorded when an API key is revoked.
	EventTypeAPIKeyRevoked = "apikey_revoked"
	// EventTypeAPIKeyDeleted is recorded when an API key record is
	// removed entirely.
	EventTypeAPIKeyDeleted = "apikey_deleted"
	// EventTypeAPIKeyVerified is recorded when an API key is presented
	// for authentication, directly or via challenge.
	EventTypeAPIKeyVerified = "apikey_verified"
)

// Event types for authorization changes.
const (
	// EventTypeGrant is recorded when a relationship tuple is written.
	EventTypeGrant = "authz_grant"
	// EventTypeRevoke is recorded when a relationship tuple is removed.
	EventTypeRevoke = "authz_revoke"
)

// Event types for tenant lifecycle.
const (
	// EventTypeTenantCreated is recorded when a tenant is provisioned.
	EventTypeTenantCreated = "tenant_created"
	// EventTypeTenantDeleted is recorded when a tenant and its custody
	// state are purged.
	EventTypeTenantDeleted = "tenant_deleted"
)

// Event types for key custody operations.
const (
	// EventTypeKEKVersionCreated is recorded when a tenant gets a new
	// key version, at bootstrap or by explicit creation.
	EventTypeKEKVersionCreated = "kek_version_created"
	// EventTypeKEKRotated is recorded when a rotation supersedes the
	// active key version.
	EventTypeKEKRotated = "kek_rotated"
	// EventTypeKEKStatusChanged is recorded when a version moves to
	// decrypt-only or deprecated.
	EventTypeKEKStatusChanged = "kek_status_changed"
	// EventTypeKEKBlobStored is recorded when a wrapped key blob is
	// provisioned for a user.
	EventTypeKEKBlobStored = "kek_blob_stored"
	// EventTypeKEKBlobDeleted is recorded when a wrapped key blob is
	// removed.
	EventTypeKEKBlobDeleted = "kek_blob_deleted"
)

// Event types for key recovery ceremonies.
const (
	// EventTypeRecoveryInitiated is recorded when a recovery session
	// opens.
	EventTypeRecoveryInitiated = "recovery_initiated"
	// EventTypeRecoveryShareSubmitted is recorded when a trustee
	// contributes a share.
	EventTypeRecoveryShareSubmitted = "recovery_share_submitted"
	// EventTypeRecoveryCompleted is recorded when enough shares were
	// combined and a new key version cut.
	EventTypeRecoveryCompleted = "recovery_completed"
	// EventTypeRecoveryCancelled is recorded when the initiator abandons
	// a session.
	EventTypeRecoveryCancelled = "recovery_cancelled"
)

// Event types for user public key material.
const (
	// EventTypePublicKeyStored is recorded when a public key is stored
	// or replaced.
	EventTypePublicKeyStored = "public_key_stored"
	// EventTypePublicKeyDeleted is recorded when a public key is
	// removed.
	EventTypePublicKeyDeleted = "public_key_deleted"
)

// Subject keys.
const (
	// SubjectKeyUser identifies the acting user.
	SubjectKeyUser = "user"
	// SubjectKeyAPIKey identifies the API key used to authenticate.
	SubjectKeyAPIKey = "api_key"
)

// Target keys.
const (
	// TargetKeyUser names a user acted on.
	TargetKeyUser = "user"
	// TargetKeyObject names an authorization object.
	TargetKeyObject = "object"
	// TargetKeyRelation names the relation granted or revoked.
	TargetKeyRelation = "relation"
	// TargetKeyTenant names a tenant acted on.
	TargetKeyTenant = "tenant"
	// TargetKeyAPIKey names an API key acted on.
	TargetKeyAPIKey = "api_key"
	// TargetKeyKEKVersion names a key version acted on.
	TargetKeyKEKVersion = "kek_version"
	// TargetKeyRecoverySession names a recovery session acted on.
	TargetKeyRecoverySession = "recovery_session"
	// TargetKeyPublicKey names a stored public key acted on.
	TargetKeyPublicKey = "public_key"
	// TargetKeyPurpose names the purpose slot of a public key.
	TargetKeyPurpose = "purpose"
	// TargetKeyResource names the resource a token was downscoped for.
	TargetKeyResource = "resource"
)

// Source extra keys.
const (
	// SourceExtraKeyUserAgent carries the client's User-Agent header.
	SourceExtraKeyUserAgent = "user_agent"
	// SourceExtraKeyRequestID carries the request id assigned by the
	// server middleware.
	SourceExtraKeyRequestID = "request_id"
)
