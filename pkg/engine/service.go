package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
	"github.com/calderahq/caldera/pkg/stack"
	"github.com/calderahq/caldera/pkg/stores"
	"github.com/calderahq/caldera/pkg/telemetry"
	"github.com/calderahq/caldera/pkg/template"
)

// Config tunes the engine service.
type Config struct {
	// EngineID identifies this engine process in stack locks. Defaults to
	// a random UUID.
	EngineID string

	// MaxParallel bounds concurrent resource operations per traversal.
	MaxParallel int

	// MaxRetries is the retry budget per resource operation.
	MaxRetries int

	// OperationTimeout bounds a single provider call.
	OperationTimeout time.Duration

	// StackTimeout bounds a whole stack operation when the input does
	// not set its own timeout.
	StackTimeout time.Duration

	// MaxResources rejects templates declaring more resources. Zero
	// means unlimited.
	MaxResources int

	// EventBus, when set, receives every stack and resource event in
	// addition to the persisted history.
	EventBus *telemetry.EventBus
}

// Service runs stack lifecycle operations: it resolves templates, builds
// dependency graphs, traverses them through resource providers, and keeps
// stack state persisted. Operations run synchronously on the caller's
// goroutine; the API layer decides whether to detach them.
type Service struct {
	store     Store
	registry  *resources.Registry
	traverser *Traverser
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	bus       *telemetry.EventBus

	engineID         string
	maxRetries       int
	operationTimeout time.Duration
	stackTimeout     time.Duration
	maxResources     int

	// cancels maps stack IDs to the cancel function of the operation
	// currently running on that stack.
	cancels sync.Map
}

// NewService creates the engine service. metrics may be nil.
func NewService(store Store, registry *resources.Registry, logger *telemetry.Logger, metrics *telemetry.Metrics, cfg Config) *Service {
	if cfg.EngineID == "" {
		cfg.EngineID = uuid.New().String()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = resources.DefaultOperationTimeout
	}
	if cfg.StackTimeout <= 0 {
		cfg.StackTimeout = stack.DefaultTimeout
	}
	return &Service{
		store:            store,
		registry:         registry,
		traverser:        NewTraverser(cfg.MaxParallel, logger),
		logger:           logger.NewComponentLogger("engine"),
		metrics:          metrics,
		bus:              cfg.EventBus,
		engineID:         cfg.EngineID,
		maxRetries:       cfg.MaxRetries,
		operationTimeout: cfg.OperationTimeout,
		stackTimeout:     cfg.StackTimeout,
		maxResources:     cfg.MaxResources,
	}
}

// EngineID returns the lock holder identity of this engine process.
func (svc *Service) EngineID() string {
	return svc.engineID
}

// StackInput is the caller-supplied material for a create or update.
type StackInput struct {
	// Name is the stack name; ignored on update.
	Name string

	// Template is the raw template document.
	Template []byte

	// Environments are raw environment documents, merged left to right.
	Environments [][]byte

	// Parameters are explicit parameter values, overriding environment
	// parameters.
	Parameters map[string]interface{}

	// Files maps get_file keys to contents.
	Files map[string]string

	// Tags label the stack for listing and policy decisions.
	Tags []string

	// Timeout bounds the whole operation. Zero selects the default.
	Timeout time.Duration

	// DisableRollback leaves a failed create or update in place.
	DisableRollback bool
}

// Output is one resolved stack output.
type Output struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Value       interface{} `json:"value"`
}

// ValidationResult summarizes a validated template for callers.
type ValidationResult struct {
	Description string                               `json:"description,omitempty"`
	Parameters  map[string]*template.ParameterSchema `json:"parameters,omitempty"`

	// Resources maps resource names to their provider types after
	// environment remapping.
	Resources map[string]string `json:"resources,omitempty"`

	Outputs []string `json:"outputs,omitempty"`
}

// preparedInput is a parsed, validated create/update input.
type preparedInput struct {
	tpl    *template.Template
	env    *template.Environment
	params map[string]interface{}
	files  map[string]string
	conds  map[string]bool

	// enabled are the resource definitions whose condition holds.
	enabled map[string]*template.ResourceDefinition
}

// prepare parses and validates the template and environments, resolves
// parameters and conditions, and checks every enabled resource type has a
// registered provider.
func (svc *Service) prepare(in StackInput, stackName, stackID string) (*preparedInput, error) {
	tpl, err := template.Parse(in.Template)
	if err != nil {
		return nil, NewPermanentError("invalid template", err).WithCode(ErrCodeValidation)
	}
	if err := tpl.Validate(); err != nil {
		return nil, NewPermanentError("invalid template", err).WithCode(ErrCodeValidation)
	}
	if svc.maxResources > 0 && len(tpl.Resources) > svc.maxResources {
		return nil, NewPermanentError(
			fmt.Sprintf("template declares %d resources, limit is %d", len(tpl.Resources), svc.maxResources), nil).
			WithCode(ErrCodeValidation)
	}

	envs := make([]*template.Environment, 0, len(in.Environments))
	for i, raw := range in.Environments {
		env, err := template.ParseEnvironment(raw)
		if err != nil {
			return nil, NewPermanentError(fmt.Sprintf("invalid environment %d", i), err).
				WithCode(ErrCodeValidation)
		}
		envs = append(envs, env)
	}
	env := template.MergeEnvironments(envs...)

	values := make(map[string]interface{}, len(env.Parameters)+len(in.Parameters))
	for name, value := range env.Parameters {
		values[name] = value
	}
	for name, value := range in.Parameters {
		values[name] = value
	}
	params, err := tpl.ResolveParameters(values, env.ParameterDefaults)
	if err != nil {
		return nil, NewPermanentError("invalid parameters", err).WithCode(ErrCodeValidation)
	}

	rc := &template.ResolveContext{
		StackName:  stackName,
		StackID:    stackID,
		Parameters: params,
		Files:      in.Files,
	}
	conds, err := tpl.EvaluateConditions(rc)
	if err != nil {
		return nil, NewPermanentError("invalid conditions", err).WithCode(ErrCodeValidation)
	}

	enabled := make(map[string]*template.ResourceDefinition, len(tpl.Resources))
	for name, def := range tpl.Resources {
		if def.Condition != "" && !conds[def.Condition] {
			continue
		}
		resourceType := env.RemapType(def.Type)
		if !svc.registry.Has(resourceType) {
			return nil, NewPermanentError(
				fmt.Sprintf("resource %q: unknown resource type %q", name, resourceType), nil).
				WithCode(ErrCodeValidation).WithResource(name)
		}
		enabled[name] = def
	}

	return &preparedInput{
		tpl:     tpl,
		env:     env,
		params:  params,
		files:   in.Files,
		conds:   conds,
		enabled: enabled,
	}, nil
}

// ValidateTemplate parses and validates a template with optional
// environments, without touching any stack.
func (svc *Service) ValidateTemplate(ctx context.Context, in StackInput) (*ValidationResult, error) {
	tpl, err := template.Parse(in.Template)
	if err != nil {
		return nil, NewPermanentError("invalid template", err).WithCode(ErrCodeValidation)
	}
	if err := tpl.Validate(); err != nil {
		return nil, NewPermanentError("invalid template", err).WithCode(ErrCodeValidation)
	}

	envs := make([]*template.Environment, 0, len(in.Environments))
	for i, raw := range in.Environments {
		env, err := template.ParseEnvironment(raw)
		if err != nil {
			return nil, NewPermanentError(fmt.Sprintf("invalid environment %d", i), err).
				WithCode(ErrCodeValidation)
		}
		envs = append(envs, env)
	}
	env := template.MergeEnvironments(envs...)

	result := &ValidationResult{
		Description: tpl.Description,
		Parameters:  tpl.Parameters,
		Resources:   make(map[string]string, len(tpl.Resources)),
	}
	for name, def := range tpl.Resources {
		resourceType := env.RemapType(def.Type)
		if !svc.registry.Has(resourceType) {
			return nil, NewPermanentError(
				fmt.Sprintf("resource %q: unknown resource type %q", name, resourceType), nil).
				WithCode(ErrCodeValidation).WithResource(name)
		}
		result.Resources[name] = resourceType
	}
	for name := range tpl.Outputs {
		result.Outputs = append(result.Outputs, name)
	}
	sort.Strings(result.Outputs)
	return result, nil
}

// GetStack loads a stack with its resources by ID or name.
func (svc *Service) GetStack(ctx context.Context, idOrName string) (*stack.Stack, error) {
	rec, err := svc.store.GetStack(ctx, idOrName)
	if errors.Is(err, stores.ErrNotFound) {
		rec, err = svc.store.GetStackByName(ctx, idOrName)
	}
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewPermanentError(fmt.Sprintf("stack %q not found", idOrName), nil).
			WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return nil, NewTransientError("load stack", err).WithCode(ErrCodeInternal)
	}

	resourceRecs, err := svc.store.ListResources(ctx, rec.ID)
	if err != nil {
		return nil, NewTransientError("load stack resources", err).WithCode(ErrCodeInternal)
	}
	s, err := stackFromRecord(rec, resourceRecs)
	if err != nil {
		return nil, NewPermanentError("corrupt stack record", err).WithCode(ErrCodeInternal)
	}
	return s, nil
}

// ListStacks lists stacks matching the filter.
func (svc *Service) ListStacks(ctx context.Context, filter stores.StackFilter) ([]*stack.Stack, error) {
	recs, err := svc.store.ListStacks(ctx, filter)
	if err != nil {
		return nil, NewTransientError("list stacks", err).WithCode(ErrCodeInternal)
	}
	out := make([]*stack.Stack, 0, len(recs))
	for _, rec := range recs {
		s, err := stackFromRecord(rec, nil)
		if err != nil {
			return nil, NewPermanentError("corrupt stack record", err).WithCode(ErrCodeInternal)
		}
		out = append(out, s)
	}
	return out, nil
}

// ListResources returns the resource records of a stack.
func (svc *Service) ListResources(ctx context.Context, idOrName string) ([]*stack.Resource, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*stack.Resource, 0, len(names))
	for _, name := range names {
		out = append(out, s.Resources[name])
	}
	return out, nil
}

// GetResource returns one resource of a stack.
func (svc *Service) GetResource(ctx context.Context, idOrName, name string) (*stack.Resource, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	rec, err := svc.store.GetResource(ctx, s.ID, name)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewPermanentError(
			fmt.Sprintf("resource %q not found in stack %q", name, s.Name), nil).
			WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return nil, NewTransientError("load resource", err).WithCode(ErrCodeInternal)
	}
	return resourceFromRecord(rec)
}

// ListEvents returns the event history of a stack, newest first.
func (svc *Service) ListEvents(ctx context.Context, idOrName string, filter stores.EventFilter) ([]*stores.EventRecord, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	events, err := svc.store.ListEvents(ctx, s.ID, filter)
	if err != nil {
		return nil, NewTransientError("list events", err).WithCode(ErrCodeInternal)
	}
	return events, nil
}

// ListOutputs returns the resolved outputs of a stack. Outputs are only
// available once the stack's last action completed.
func (svc *Service) ListOutputs(ctx context.Context, idOrName string) ([]Output, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if s.State.Status != stack.StatusComplete {
		return nil, NewConflictError(
			fmt.Sprintf("outputs unavailable in state %s", s.State), nil).
			WithCode(ErrCodeInvalidState)
	}

	names := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Output, 0, len(names))
	for _, name := range names {
		o := Output{Name: name, Value: s.Outputs[name]}
		if def, ok := s.Template.Outputs[name]; ok {
			o.Description = def.Description
		}
		out = append(out, o)
	}
	return out, nil
}

// Cancel cancels the operation currently running on a stack.
func (svc *Service) Cancel(ctx context.Context, idOrName string) error {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return err
	}
	cancel, ok := svc.cancels.Load(s.ID)
	if !ok {
		return NewConflictError("no operation in progress", nil).
			WithCode(ErrCodeInvalidState)
	}
	cancel.(context.CancelFunc)()
	svc.logger.WithStack(s.ID, s.Name).Info("operation cancelled")
	return nil
}

// PurgeStack permanently removes a soft-deleted stack with its resources,
// events and locks. The stack must be DELETE_COMPLETE first.
func (svc *Service) PurgeStack(ctx context.Context, idOrName string) error {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return err
	}
	if !s.State.IsDeleted() {
		return NewConflictError(
			fmt.Sprintf("cannot purge stack in state %s", s.State), nil).
			WithCode(ErrCodeInvalidState)
	}
	if err := svc.store.DeleteStackResources(ctx, s.ID); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return NewTransientError("purge stack resources", err).WithCode(ErrCodeInternal)
	}
	if err := svc.store.PurgeStack(ctx, s.ID); err != nil {
		return NewTransientError("purge stack", err).WithCode(ErrCodeInternal)
	}
	svc.logger.WithStack(s.ID, s.Name).Info("stack purged")
	return nil
}

// Health reports whether the backing store is reachable.
func (svc *Service) Health(ctx context.Context) error {
	return svc.store.HealthCheck(ctx)
}

// lockStack acquires the stack lock, stealing it when the holder looks
// dead.
func (svc *Service) lockStack(ctx context.Context, stackID string, action stack.Action) error {
	lock := &stores.LockRecord{
		StackID:   stackID,
		EngineID:  svc.engineID,
		Action:    string(action),
		CreatedAt: time.Now().UTC(),
	}
	err := svc.store.CreateLock(ctx, lock)
	if err == nil {
		return nil
	}
	if !errors.Is(err, stores.ErrLockHeld) {
		return NewTransientError("acquire stack lock", err).WithCode(ErrCodeInternal)
	}

	existing, err := svc.store.GetLock(ctx, stackID)
	if errors.Is(err, stores.ErrNotFound) {
		// Holder released between our attempts.
		if err := svc.store.CreateLock(ctx, lock); err != nil {
			return NewConflictError("stack is locked", err).WithCode(ErrCodeStackBusy)
		}
		return nil
	}
	if err != nil {
		return NewTransientError("inspect stack lock", err).WithCode(ErrCodeInternal)
	}

	held := &stack.Lock{CreatedAt: existing.CreatedAt}
	if !held.IsStale(time.Now().UTC()) {
		return NewConflictError(
			fmt.Sprintf("stack is locked by engine %s for %s", existing.EngineID, existing.Action), nil).
			WithCode(ErrCodeStackBusy)
	}

	svc.logger.WithField("stack_id", stackID).
		Warnf("stealing stale lock from engine %s", existing.EngineID)
	if err := svc.store.StealLock(ctx, stackID, existing.EngineID, lock); err != nil {
		return NewConflictError("stack is locked", err).WithCode(ErrCodeStackBusy)
	}
	return nil
}

func (svc *Service) unlockStack(stackID string) {
	// Release must survive a cancelled operation context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.store.ReleaseLock(ctx, stackID, svc.engineID); err != nil && !errors.Is(err, stores.ErrNotFound) {
		svc.logger.WithField("stack_id", stackID).WithError(err).Warn("release stack lock failed")
	}
}

// event appends one row to the stack's event history. Event failures are
// logged, never fatal.
func (svc *Service) event(ctx context.Context, stackID string, resourceName string, action stack.Action, status stack.Status, reason string) {
	rec := &stores.EventRecord{
		StackID:   stackID,
		Action:    string(action),
		Status:    string(status),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if resourceName != "" {
		rec.ResourceName = &resourceName
	}
	if err := svc.store.AppendEvent(ctx, rec); err != nil {
		svc.logger.WithField("stack_id", stackID).WithError(err).Warn("append event failed")
	}
	svc.publish(stackID, resourceName, action, status, reason)
}

// publish mirrors an event onto the in-process bus for live consumers.
func (svc *Service) publish(stackID, resourceName string, action stack.Action, status stack.Status, reason string) {
	if svc.bus == nil {
		return
	}
	ev := telemetry.Event{
		Type:         eventType(resourceName, status),
		StackID:      stackID,
		ResourceName: resourceName,
		Message:      fmt.Sprintf("%s_%s", action, status),
		Level:        telemetry.EventLevelInfo,
	}
	if reason != "" {
		ev.Message = reason
	}
	if status == stack.StatusFailed {
		ev.Level = telemetry.EventLevelError
	}
	if err := svc.bus.Publish(ev); err != nil {
		svc.logger.WithField("stack_id", stackID).WithError(err).Debug("event publish dropped")
	}
}

func eventType(resourceName string, status stack.Status) string {
	switch {
	case resourceName == "" && status == stack.StatusFailed:
		return telemetry.EventTypeStackFailed
	case resourceName == "" && status == stack.StatusComplete:
		return telemetry.EventTypeStackCompleted
	case resourceName == "":
		return telemetry.EventTypeStackStarted
	case status == stack.StatusFailed:
		return telemetry.EventTypeResourceFailed
	case status == stack.StatusComplete:
		return telemetry.EventTypeResourceDone
	default:
		return telemetry.EventTypeResourceStarted
	}
}

func (svc *Service) persistStack(ctx context.Context, s *stack.Stack) error {
	rec, err := stackToRecord(s)
	if err != nil {
		return NewPermanentError("encode stack", err).WithCode(ErrCodeInternal)
	}
	if err := svc.store.UpdateStack(ctx, rec); err != nil {
		return NewTransientError("persist stack", err).WithCode(ErrCodeInternal)
	}
	return nil
}

func (svc *Service) persistResource(ctx context.Context, stackID string, r *stack.Resource) error {
	rec, err := resourceToRecord(stackID, r)
	if err != nil {
		return NewPermanentError("encode resource", err).WithCode(ErrCodeInternal)
	}
	if err := svc.store.UpsertResource(ctx, rec); err != nil {
		return NewTransientError("persist resource", err).WithCode(ErrCodeInternal)
	}
	return nil
}

// setStackState transitions the stack, persists it and emits an event.
func (svc *Service) setStackState(ctx context.Context, s *stack.Stack, action stack.Action, status stack.Status, reason string) {
	s.SetState(action, status, reason)
	if err := svc.persistStack(ctx, s); err != nil {
		svc.logger.WithStack(s.ID, s.Name).WithError(err).Error("persist stack state failed")
	}
	svc.event(ctx, s.ID, "", action, status, reason)
}

// setResourceState transitions a resource, persists it and emits an event.
func (svc *Service) setResourceState(ctx context.Context, s *stack.Stack, r *stack.Resource, action stack.Action, status stack.Status, reason string) {
	r.SetState(action, status, reason)
	if err := svc.persistResource(ctx, s.ID, r); err != nil {
		svc.logger.WithStack(s.ID, s.Name).WithResource(r.Name).WithError(err).
			Error("persist resource state failed")
	}
	svc.event(ctx, s.ID, r.Name, action, status, reason)
}

// classify wraps a non-engine error as a permanent provider failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err).WithCode(ErrCodeTimeout)
	}
	return NewPermanentError("provider operation failed", err).WithCode(ErrCodeProviderFailed)
}
