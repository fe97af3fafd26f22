package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a background task
type TaskStatus string

const (
	TaskStatusAllocated TaskStatus = "allocated"
	TaskStatusEnqueued  TaskStatus = "enqueued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusDropped   TaskStatus = "dropped"
)

// Terminal reports whether the status is a final state. Once a task reaches
// a terminal status only the consumed flag and comments may change.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusDropped:
		return true
	}
	return false
}

// Valid reports whether the status is a known state
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusAllocated, TaskStatusEnqueued, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusDropped:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the task state machine. Reverse transitions are never legal; the reaper's
// allocated/running -> dropped demotions are.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusAllocated:
		return next == TaskStatusEnqueued || next == TaskStatusDropped
	case TaskStatusEnqueued:
		return next == TaskStatusRunning || next == TaskStatusDropped
	case TaskStatusRunning:
		return next.Terminal()
	}
	return false
}

// TaskRecord is the durable bookkeeping row of one background task
type TaskRecord struct {
	Token           string        `json:"token"`
	Kind            string        `json:"kind"`
	Summary         string        `json:"summary"`
	Actor           string        `json:"actor,omitempty"`            // empty if system-initiated
	ProductEndpoint string        `json:"product_endpoint,omitempty"` // empty if server-wide
	Status          TaskStatus    `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	EnqueuedAt      *time.Time    `json:"enqueued_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
	OwnerServerID   string        `json:"owner_server_id,omitempty"` // set at enqueue, cleared at terminal
	Consumed        bool          `json:"consumed"`
	Comments        []TaskComment `json:"comments,omitempty"`
}

// TaskComment is one append-only comment attached to a task
type TaskComment struct {
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
}

// SystemActor is the actor name used for comments written by the server
// itself rather than a user.
const SystemActor = "SYSTEM"

// Ternary is a three-valued filter field: unset means "do not filter"
type Ternary int

const (
	TernaryAny Ternary = iota
	TernaryOff
	TernaryOn
)

// TaskFilter selects task records in list queries. Zero-value fields do not
// filter. ServerWideOnly and ProductEndpoints are mutually exclusive.
type TaskFilter struct {
	Tokens           []string     `json:"tokens,omitempty"`
	Kinds            []string     `json:"kinds,omitempty"`
	Statuses         []TaskStatus `json:"statuses,omitempty"`
	Actors           []string     `json:"actors,omitempty"`
	ProductEndpoints []string     `json:"product_endpoints,omitempty"`
	ServerWideOnly   bool         `json:"server_wide_only,omitempty"`
	OwnerServerIDs   []string     `json:"owner_server_ids,omitempty"`
	EnqueuedAfter    *time.Time   `json:"enqueued_after,omitempty"`
	EnqueuedBefore   *time.Time   `json:"enqueued_before,omitempty"`
	StartedAfter     *time.Time   `json:"started_after,omitempty"`
	StartedBefore    *time.Time   `json:"started_before,omitempty"`
	FinishedAfter    *time.Time   `json:"finished_after,omitempty"`
	FinishedBefore   *time.Time   `json:"finished_before,omitempty"`
	CancelRequested  Ternary      `json:"cancel_requested,omitempty"`
	Consumed         Ternary      `json:"consumed,omitempty"`
}

// SchemaStatus describes whether a product's result store is usable
type SchemaStatus string

const (
	SchemaStatusOK           SchemaStatus = "ok"
	SchemaStatusNeedsUpgrade SchemaStatus = "needs_upgrade"
	SchemaStatusBroken       SchemaStatus = "broken"
	SchemaStatusDisconnected SchemaStatus = "disconnected"
)

// DriverKind selects the database engine of a connection spec
type DriverKind string

const (
	DriverSQLite   DriverKind = "sqlite"
	DriverPostgres DriverKind = "postgres"
)

// ConnectionSpec is the discriminated connection description of a database.
// For sqlite only Path is used; for postgres the remaining fields are.
type ConnectionSpec struct {
	Driver   DriverKind `json:"driver" yaml:"driver"`
	Path     string     `json:"path,omitempty" yaml:"path"`
	Host     string     `json:"host,omitempty" yaml:"host"`
	Port     int        `json:"port,omitempty" yaml:"port"`
	User     string     `json:"user,omitempty" yaml:"user"`
	Password string     `json:"password,omitempty" yaml:"password"`
	Database string     `json:"database,omitempty" yaml:"database"`
	SSLMode  string     `json:"sslmode,omitempty" yaml:"sslmode"`
}

// Product is one logical result database mounted behind a URL endpoint
type Product struct {
	Endpoint    string         `json:"endpoint"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description,omitempty"`
	Connection  ConnectionSpec `json:"connection"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ProductSummary is the listing view of a product, including the live
// schema status of its result store.
type ProductSummary struct {
	Product
	SchemaStatus SchemaStatus `json:"schema_status"`
}

// ProductPatch carries the mutable fields of a product edit. Nil fields are
// left unchanged.
type ProductPatch struct {
	DisplayName *string         `json:"display_name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Connection  *ConnectionSpec `json:"connection,omitempty"`
}

// Permission is a named right from the closed permission set
type Permission string

const (
	PermSuperuser     Permission = "SUPERUSER"
	PermProductAdmin  Permission = "PRODUCT_ADMIN"
	PermProductAccess Permission = "PRODUCT_ACCESS"
	PermProductStore  Permission = "PRODUCT_STORE"
	PermProductView   Permission = "PRODUCT_VIEW"
)

// ServerWide reports whether the permission is granted against the server
// scope rather than a product.
func (p Permission) ServerWide() bool {
	return p == PermSuperuser
}

// Valid reports whether the permission name is part of the closed set
func (p Permission) Valid() bool {
	switch p {
	case PermSuperuser, PermProductAdmin, PermProductAccess, PermProductStore, PermProductView:
		return true
	}
	return false
}

// Implies returns the permissions directly implied by p on the same scope.
// The implication graph is transitive; callers expand via the closure.
func (p Permission) Implies() []Permission {
	switch p {
	case PermProductAdmin:
		return []Permission{PermProductAccess, PermProductStore, PermProductView}
	case PermProductStore:
		return []Permission{PermProductView}
	}
	return nil
}

// PermissionGrant assigns a permission on a scope to a user or group
type PermissionGrant struct {
	Permission      Permission `json:"permission"`
	ProductEndpoint string     `json:"product_endpoint,omitempty"` // empty for server-wide scope
	Grantee         string     `json:"grantee"`
	IsGroup         bool       `json:"is_group"`
}

// Session is a named authorization session stored in the configuration store
type Session struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	IssuedAt   time.Time `json:"issued_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Identity is the resolved caller of a request
type Identity struct {
	Username  string   `json:"username"`
	Groups    []string `json:"groups,omitempty"`
	SessionID string   `json:"-"`
	// Synthetic is set for the anonymous superuser identity handed out when
	// authentication is disabled.
	Synthetic bool `json:"synthetic,omitempty"`
}

// CleanupPlan groups report hashes for later triage inside one product
type CleanupPlan struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ReportHashes []string   `json:"report_hashes,omitempty"`
}

// Notification is a server-wide announcement shown to every user
type Notification struct {
	Message   string    `json:"message"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FilterPreset is a named, stored report filter of one user on one product
type FilterPreset struct {
	ID              int64  `json:"id"`
	ProductEndpoint string `json:"product_endpoint"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Value           string `json:"value"`
}

// SourceComponent is a named set of path globs describing a component of the
// analyzed source tree.
type SourceComponent struct {
	ProductEndpoint string `json:"product_endpoint"`
	Name            string `json:"name"`
	Value           string `json:"value"`
	Description     string `json:"description,omitempty"`
}
