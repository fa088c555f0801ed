package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLockHeld is returned when a stack lock is already held.
var ErrLockHeld = errors.New("stack lock already held")

// StackRecord is the persisted form of a stack. Structured values
// (template, environment, parameters, files, outputs, tags) are stored as
// JSON blobs.
type StackRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Action          string     `json:"action"`
	Status          string     `json:"status"`
	StatusReason    string     `json:"status_reason"`
	Template        string     `json:"template"`
	Environment     *string    `json:"environment,omitempty"`
	Parameters      *string    `json:"parameters,omitempty"`
	Files           *string    `json:"files,omitempty"`
	Outputs         *string    `json:"outputs,omitempty"`
	Tags            *string    `json:"tags,omitempty"`
	TimeoutSecs     int        `json:"timeout_secs"`
	DisableRollback bool       `json:"disable_rollback"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// ResourceRecord is the persisted form of one stack resource.
type ResourceRecord struct {
	StackID        string    `json:"stack_id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Action         string    `json:"action"`
	Status         string    `json:"status"`
	StatusReason   string    `json:"status_reason"`
	PhysicalID     *string   `json:"physical_id,omitempty"`
	Properties     *string   `json:"properties,omitempty"`
	Attributes     *string   `json:"attributes,omitempty"`
	Definition     *string   `json:"definition,omitempty"`
	DefinitionHash string    `json:"definition_hash"`
	DeletionPolicy string    `json:"deletion_policy"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventRecord is one row of the append-only stack event history.
type EventRecord struct {
	ID           int64     `json:"id"`
	StackID      string    `json:"stack_id"`
	ResourceName *string   `json:"resource_name,omitempty"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// LockRecord is the persisted stack lock. One row per stack at most.
type LockRecord struct {
	StackID   string    `json:"stack_id"`
	EngineID  string    `json:"engine_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// StackFilter narrows ListStacks results. Zero values mean no filtering on
// that dimension.
type StackFilter struct {
	// Name matches the exact stack name.
	Name string

	// Action and Status match the stack state.
	Action string
	Status string

	// Tags requires every listed tag to be present on the stack.
	Tags []string

	// ShowDeleted includes soft-deleted stacks.
	ShowDeleted bool

	// Limit and Offset paginate; Limit <= 0 means no limit.
	Limit  int
	Offset int
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	// ResourceName restricts to events of one resource.
	ResourceName string

	Limit  int
	Offset int
}

// Store is the persistence interface for stacks, resources, events and
// locks.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Stack operations
	CreateStack(ctx context.Context, stack *StackRecord) error
	GetStack(ctx context.Context, id string) (*StackRecord, error)
	GetStackByName(ctx context.Context, name string) (*StackRecord, error)
	UpdateStack(ctx context.Context, stack *StackRecord) error
	SoftDeleteStack(ctx context.Context, id string) error
	PurgeStack(ctx context.Context, id string) error
	ListStacks(ctx context.Context, filter StackFilter) ([]*StackRecord, error)

	// Resource operations
	UpsertResource(ctx context.Context, resource *ResourceRecord) error
	GetResource(ctx context.Context, stackID, name string) (*ResourceRecord, error)
	ListResources(ctx context.Context, stackID string) ([]*ResourceRecord, error)
	DeleteResource(ctx context.Context, stackID, name string) error
	DeleteStackResources(ctx context.Context, stackID string) error

	// Event operations
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, stackID string, filter EventFilter) ([]*EventRecord, error)

	// Lock operations
	CreateLock(ctx context.Context, lock *LockRecord) error
	GetLock(ctx context.Context, stackID string) (*LockRecord, error)
	StealLock(ctx context.Context, stackID, oldEngineID string, lock *LockRecord) error
	ReleaseLock(ctx context.Context, stackID, engineID string) error
}
