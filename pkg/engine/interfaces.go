package engine

import (
	"context"

	"github.com/calderahq/caldera/pkg/stores"
)

// Store is the persistence surface the engine needs: stack, resource and
// event records plus stack locks. *stores.SQLiteStore satisfies it; tests
// use an in-memory fake.
type Store interface {
	HealthCheck(ctx context.Context) error

	CreateStack(ctx context.Context, stack *stores.StackRecord) error
	GetStack(ctx context.Context, id string) (*stores.StackRecord, error)
	GetStackByName(ctx context.Context, name string) (*stores.StackRecord, error)
	UpdateStack(ctx context.Context, stack *stores.StackRecord) error
	SoftDeleteStack(ctx context.Context, id string) error
	PurgeStack(ctx context.Context, id string) error
	ListStacks(ctx context.Context, filter stores.StackFilter) ([]*stores.StackRecord, error)

	UpsertResource(ctx context.Context, resource *stores.ResourceRecord) error
	GetResource(ctx context.Context, stackID, name string) (*stores.ResourceRecord, error)
	ListResources(ctx context.Context, stackID string) ([]*stores.ResourceRecord, error)
	DeleteResource(ctx context.Context, stackID, name string) error
	DeleteStackResources(ctx context.Context, stackID string) error

	AppendEvent(ctx context.Context, event *stores.EventRecord) error
	ListEvents(ctx context.Context, stackID string, filter stores.EventFilter) ([]*stores.EventRecord, error)

	CreateLock(ctx context.Context, lock *stores.LockRecord) error
	GetLock(ctx context.Context, stackID string) (*stores.LockRecord, error)
	StealLock(ctx context.Context, stackID, oldEngineID string, lock *stores.LockRecord) error
	ReleaseLock(ctx context.Context, stackID, engineID string) error
}
