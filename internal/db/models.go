package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users, roles & permissions
// -----------------------------------------------------------------------------

// User is a CloudLab Manager account. Never hard-deleted through the API —
// deactivation is expressed via IsActive. SSHPrivateKey and
// TOTPSecretEncrypted are encrypted at rest; BackupCodes stores a hashed JSON
// array, never the plaintext codes.
type User struct {
	base
	Username             string          `gorm:"uniqueIndex;not null"`
	PasswordHash         string          `gorm:"not null;default:''"` // argon2id, "salt:hash" hex
	Email                string          `gorm:"not null;default:''"`
	DisplayName          string          `gorm:"not null;default:''"`
	IsActive             bool            `gorm:"not null;default:true"`
	SSHPublicKey         string          `gorm:"type:text;default:''"`
	SSHPrivateKey        EncryptedString `gorm:"type:text;default:''"`
	TOTPSecretEncrypted  EncryptedString `gorm:"type:text;default:''"`
	MFAEnabled           bool            `gorm:"not null;default:false"`
	BackupCodesHashed    string          `gorm:"type:text;default:'[]'"` // JSON array of hashed codes
	InviteToken          string          `gorm:"default:'';index"`
	InviteTokenExpiresAt *time.Time
	InviteAcceptedAt     *time.Time
	LastLoginAt          *time.Time

	// OIDCProviderID/OIDCSub identify the account when it was JIT-provisioned
	// (or linked) via an external identity provider login; both are empty
	// for local-password-only accounts.
	OIDCProviderID string `gorm:"default:'';index"`
	OIDCSub        string `gorm:"default:''"`

	// Roles is populated manually via the user_roles join table; gorm cannot
	// resolve the many-to-many through a UUID primary key the way it resolves
	// auto-increment integer keys.
	Roles []Role `gorm:"-"`
}

// OIDCProvider stores the configuration for an external OIDC identity
// provider used as an optional second login path alongside local
// username/password accounts. ClientSecret is encrypted at rest. Only one
// provider is supported at a time.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"` // space-separated
	Enabled      bool            `gorm:"not null;default:false"`
}

// RefreshToken is an opaque, rotated session token. Only its SHA-256 hash is
// persisted; the raw value lives solely in the client's httpOnly cookie.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

// Role is a named bundle of permissions. IsSystem roles (currently only
// "super-admin") cannot be renamed or deleted through the API.
type Role struct {
	base
	Name        string `gorm:"uniqueIndex;not null"`
	Description string `gorm:"type:text;default:''"`
	IsSystem    bool   `gorm:"not null;default:false"`

	Permissions []Permission `gorm:"-"`
}

// Permission is a single grantable capability, identified by a dot-separated
// codename (e.g. "services.deploy", "instances.stop").
type Permission struct {
	base
	Codename    string `gorm:"uniqueIndex;not null"`
	Category    string `gorm:"not null;default:''"`
	Label       string `gorm:"not null;default:''"`
	Description string `gorm:"type:text;default:''"`
}

// UserRole is the join table between User and Role.
type UserRole struct {
	base
	UserID uuid.UUID `gorm:"type:text;not null;index"`
	RoleID uuid.UUID `gorm:"type:text;not null;index"`
}

// RolePermission is the join table between Role and Permission.
type RolePermission struct {
	base
	RoleID       uuid.UUID `gorm:"type:text;not null;index"`
	PermissionID uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// JobStatus values. A Job's FinishedAt is set iff Status != JobStatusRunning.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job is the persistent mirror of a Job Runner execution. While a job is
// running, the in-memory jobrunner.Job is the source of truth for its output
// buffer; this row becomes authoritative once the job reaches a terminal
// status (see internal/jobrunner).
//
// Inputs is a JSON object captured at dispatch time, enabling rerun: a future
// dispatch reconstructs the same script+inputs invocation from this column.
type Job struct {
	base
	Service      string    `gorm:"not null"`
	Action       string    `gorm:"not null"` // "deploy", "run_script", "stop", "bulk_stop", "bulk_deploy", ...
	Script       string    `gorm:"default:''"`
	Status       string    `gorm:"not null;default:'running';index"`
	StartedAt    time.Time `gorm:"not null"`
	FinishedAt   *time.Time
	Output       string     `gorm:"type:text;default:''"` // newline-joined captured output
	UserID       *uuid.UUID `gorm:"type:text;index"`
	Username     string     `gorm:"default:''"`
	Inputs       string     `gorm:"type:text;default:'{}'"` // JSON object
	ParentJobID  *uuid.UUID `gorm:"type:text;index"`        // SET NULL when parent is deleted
	DeploymentID *uuid.UUID `gorm:"type:text;index"`        // set when dispatched by the blueprint orchestrator
}

// -----------------------------------------------------------------------------
// Scheduled jobs
// -----------------------------------------------------------------------------

// ScheduledJob job_type values. Exactly one discriminant field group is
// populated per row, matching the chosen job_type.
const (
	JobTypeServiceScript   = "service_script"
	JobTypeSystemTask      = "system_task"
	JobTypeInventoryAction = "inventory_action"
)

// CatchUpPolicy values. Only CatchUpNone (fire-once-on-catch-up,
// resynchronize next_run_at) is implemented — see the catch-up semantics in
// SPEC_FULL.md §4.5.
const (
	CatchUpNone = "none"
)

// ScheduledJob is a cron-governed recurring job specification — not a job
// itself. The Scheduler (C6) loads due rows and dispatches them by JobType.
type ScheduledJob struct {
	base
	Name           string `gorm:"uniqueIndex;not null"`
	Description    string `gorm:"type:text;default:''"`
	JobType        string `gorm:"not null"`
	CronExpression string `gorm:"not null"`
	IsEnabled      bool   `gorm:"not null;default:true"`
	SkipIfRunning  bool   `gorm:"not null;default:true"`
	CatchUpPolicy  string `gorm:"not null;default:'none'"`

	NextRunAt time.Time `gorm:"not null;index"`
	LastRunAt *time.Time
	LastJobID *uuid.UUID `gorm:"type:text"`

	// service_script discriminant
	ServiceName string `gorm:"default:''"`
	ScriptName  string `gorm:"default:''"`

	// system_task discriminant
	SystemTask string `gorm:"default:''"`

	// inventory_action discriminant
	TypeSlug   string     `gorm:"default:''"`
	ActionName string     `gorm:"default:''"`
	ObjectID   *uuid.UUID `gorm:"type:text"`

	// inputs shared by service_script and inventory_action dispatch, JSON object
	Inputs string `gorm:"type:text;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Inventory
// -----------------------------------------------------------------------------

// InventoryType describes a class of inventory object (e.g. "service",
// "credential", "instance") and the JSON-schema-like field layout its
// objects' Data columns follow.
type InventoryType struct {
	base
	Slug       string `gorm:"uniqueIndex;not null"`
	Label      string `gorm:"not null"`
	Icon       string `gorm:"default:''"`
	ConfigHash string `gorm:"default:''"`
	Fields     string `gorm:"type:text;default:'{}'"` // JSON field schema
}

// InventoryObject is a single tracked resource of a given InventoryType.
// SearchText is a denormalized, lowercased concatenation of Data's values,
// maintained on write to back simple substring search without a full-text
// index.
type InventoryObject struct {
	base
	TypeID     uuid.UUID `gorm:"type:text;not null;index"`
	Data       string    `gorm:"type:text;not null;default:'{}'"` // JSON object
	SearchText string    `gorm:"type:text;default:''"`

	Tags []InventoryTag `gorm:"-"`
}

// InventoryTag is a named label attachable to inventory objects, e.g.
// "personal-instance", "pi-ttl:24", "pi-service:my-svc", "pi-user:alice".
type InventoryTag struct {
	base
	Name string `gorm:"uniqueIndex;not null"`
}

// ObjectTag is the join table between InventoryObject and InventoryTag.
type ObjectTag struct {
	base
	ObjectID uuid.UUID `gorm:"type:text;not null;index"`
	TagID    uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Authorization: ACLs, tag permissions, service ACLs, credential rules
// -----------------------------------------------------------------------------

// ACLEffect values for ObjectACL.
const (
	ACLEffectAllow = "allow"
	ACLEffectDeny  = "deny"
)

// ObjectACL grants or denies a permission suffix to a role on one specific
// inventory object. Deny rows take precedence over allow rows for the same
// (object, role, permission) tuple — see internal/authz.
type ObjectACL struct {
	base
	ObjectID   uuid.UUID `gorm:"type:text;not null;index"`
	RoleID     uuid.UUID `gorm:"type:text;not null;index"`
	Permission string    `gorm:"not null"`
	Effect     string    `gorm:"not null"` // "allow" or "deny"
}

// TagPermission grants a permission suffix to a role for every object carrying
// a given tag.
type TagPermission struct {
	base
	TagID      uuid.UUID `gorm:"type:text;not null;index"`
	RoleID     uuid.UUID `gorm:"type:text;not null;index"`
	Permission string    `gorm:"not null"`
}

// ServiceACL permission values.
const (
	ServiceACLView   = "view"
	ServiceACLDeploy = "deploy"
	ServiceACLStop   = "stop"
	ServiceACLConfig = "config"
	ServiceACLFull   = "full"
)

// ServiceACL is a per-service allow-list. When any row exists for a service,
// it supersedes the global services.* permission check for that service —
// see Service Permission Resolution in internal/authz.
type ServiceACL struct {
	base
	ServiceName string    `gorm:"not null;index"`
	RoleID      uuid.UUID `gorm:"type:text;not null;index"`
	Permission  string    `gorm:"not null"`
}

// CredentialAccessRule scope_type values.
const (
	CredentialScopeAll      = "all"
	CredentialScopeInstance = "instance"
	CredentialScopeService  = "service"
	CredentialScopeTag      = "tag"
)

// CredentialAccessRule scopes which credential-tagged inventory objects a
// role's users may view. CredentialType "*" matches any credential type.
type CredentialAccessRule struct {
	base
	RoleID             uuid.UUID `gorm:"type:text;not null;index"`
	CredentialType     string    `gorm:"not null;default:'*'"`
	ScopeType          string    `gorm:"not null"` // "all", "instance", "service", "tag"
	ScopeValue         string    `gorm:"default:''"`
	RequirePersonalKey bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification is an in-app, per-user event record. It is also fanned out to
// the WebSocket hub and, depending on AppMetadata-backed settings, to email
// or webhook channels (internal/notification).
type Notification struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"` // "job_succeeded", "job_failed", "blueprint_partial", "drift_detected", "schedule_skipped"
	Title   string    `gorm:"not null"`
	Body    string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"` // JSON, extra context for the frontend
}

// -----------------------------------------------------------------------------
// App metadata
// -----------------------------------------------------------------------------

// AppMetadata is a process-wide opaque key/value row. Value holds a single
// JSON-serialized blob per key; callers treat reads as "latest committed
// value". Used for caches (plans_cache), secrets (vault_password,
// signing_key), and notification settings.
type AppMetadata struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null;default:''"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

// Well-known AppMetadata keys.
const (
	MetaKeySigningKey    = "signing_key"
	MetaKeyVaultPassword = "vault_password"
	MetaKeyPlansCache    = "plans_cache"
	MetaKeyDriftSettings = "drift_notification_settings"
	MetaKeySMTPPrefix    = "smtp."
	MetaKeyWebhookPrefix = "webhook."
)

// -----------------------------------------------------------------------------
// Blueprints
// -----------------------------------------------------------------------------

// BlueprintDeployment status values.
const (
	DeploymentStatusPending   = "pending"
	DeploymentStatusRunning   = "running"
	DeploymentStatusCompleted = "completed"
	DeploymentStatusPartial   = "partial"
	DeploymentStatusFailed    = "failed"
)

// Blueprint is an ordered list of services to deploy as one unit.
type Blueprint struct {
	softDelete
	Name     string `gorm:"uniqueIndex;not null"`
	Services string `gorm:"type:text;not null;default:'[]'"` // JSON array of {name: string}
}

// BlueprintDeployment tracks one run of a Blueprint. Progress maps
// service_name -> step status ("running", "completed", "failed") as a JSON
// object.
type BlueprintDeployment struct {
	base
	BlueprintID uuid.UUID `gorm:"type:text;not null;index"`
	Status      string    `gorm:"not null;default:'pending'"`
	Progress    string    `gorm:"type:text;not null;default:'{}'"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DeployedBy  string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Drift, snapshots, workspaces
// -----------------------------------------------------------------------------

// DriftReport records one run of the drift poller: a summary of how many
// inventory objects diverged from live cloud state, plus structured detail.
type DriftReport struct {
	base
	ObjectID *uuid.UUID `gorm:"type:text;index"`
	Summary  string     `gorm:"type:text;not null;default:'{}'"` // JSON counts
	Detail   string     `gorm:"type:text;not null;default:'{}'"` // JSON detail
}

// Snapshot status values consumed by the snapshot-reconciliation poller.
const (
	SnapshotStatusPending = "pending"
	SnapshotStatusSynced  = "synced"
	SnapshotStatusFailed  = "failed"
)

// Snapshot represents an out-of-band sync task: some external action
// recorded a pending snapshot that the snapshot poller must reconcile into
// inventory state.
type Snapshot struct {
	base
	Service string `gorm:"not null"`
	Kind    string `gorm:"not null;default:''"`
	Status  string `gorm:"not null;default:'pending';index"`
	Payload string `gorm:"type:text;default:'{}'"`
}

// Workspace is a saved grouping of service names for convenient bulk
// operations. Not authorization-relevant — a pure UX convenience entity.
type Workspace struct {
	softDelete
	Name         string `gorm:"uniqueIndex;not null"`
	Description  string `gorm:"type:text;default:''"`
	ServiceNames string `gorm:"type:text;not null;default:'[]'"` // JSON array of strings
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// AuditLog is an append-only record of audited operations. Rows are written
// by store.WriteAudit (inside a caller's transaction) and by
// AuditStore.LogDenied (credential.access_denied decisions). The HTTP
// handlers do not write an entry for their own mutations.
type AuditLog struct {
	base
	UserID    *uuid.UUID `gorm:"type:text;index"`
	Username  string     `gorm:"default:''"`
	Action    string     `gorm:"not null;index"` // e.g. "job.dispatch", "credential.access_denied"
	Resource  string     `gorm:"default:''"`
	Details   string     `gorm:"type:text;default:'{}'"` // JSON, structured
	IPAddress string     `gorm:"default:''"`
}
