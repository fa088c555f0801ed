package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/calderahq/caldera/pkg/resources"
	"github.com/calderahq/caldera/pkg/stack"
	"github.com/calderahq/caldera/pkg/stores"
	"github.com/calderahq/caldera/pkg/template"
)

// CreateStack validates the input, persists the new stack and traverses
// its dependency graph creating every resource. On failure the created
// resources are rolled back unless the input disables rollback.
func (svc *Service) CreateStack(ctx context.Context, in StackInput) (*stack.Stack, error) {
	if in.Name == "" {
		return nil, NewPermanentError("stack name is required", nil).WithCode(ErrCodeValidation)
	}
	if _, err := svc.store.GetStackByName(ctx, in.Name); err == nil {
		return nil, NewConflictError(fmt.Sprintf("stack %q already exists", in.Name), nil).
			WithCode(ErrCodeAlreadyExists)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, NewTransientError("check stack name", err).WithCode(ErrCodeInternal)
	}

	prep, err := svc.prepare(in, in.Name, "")
	if err != nil {
		return nil, err
	}

	s := stack.New(in.Name, prep.tpl, prep.env, prep.params)
	s.Files = prep.files
	s.Tags = in.Tags
	s.DisableRollback = in.DisableRollback
	if in.Timeout > 0 {
		s.Timeout = in.Timeout
	}
	// Drop resources excluded by their condition.
	for name := range s.Resources {
		if _, ok := prep.enabled[name]; !ok {
			delete(s.Resources, name)
		}
	}

	s.SetState(stack.ActionCreate, stack.StatusInProgress, "Stack CREATE started")
	rec, err := stackToRecord(s)
	if err != nil {
		return nil, NewPermanentError("encode stack", err).WithCode(ErrCodeInternal)
	}
	if err := svc.store.CreateStack(ctx, rec); err != nil {
		return nil, NewConflictError("create stack record", err).WithCode(ErrCodeAlreadyExists)
	}
	if err := svc.lockStack(ctx, s.ID, stack.ActionCreate); err != nil {
		return nil, err
	}
	defer svc.unlockStack(s.ID)
	svc.event(ctx, s.ID, "", stack.ActionCreate, stack.StatusInProgress, "Stack CREATE started")

	opCtx, done := svc.beginOperation(ctx, s)
	defer done()

	svc.logger.WithStack(s.ID, s.Name).WithAction(string(stack.ActionCreate)).
		Infof("creating stack with %d resources", len(s.Resources))
	started := time.Now()
	if svc.metrics != nil {
		svc.metrics.RecordStackOperationStarted()
	}

	err = svc.runCreateTraversal(opCtx, s, prep)
	if err == nil {
		if outErr := svc.refreshOutputs(opCtx, s, prep.conds); outErr != nil {
			err = outErr
		}
	}

	if err != nil {
		svc.handleCreateFailure(opCtx, s, err)
		svc.recordStackOperation(stack.ActionCreate, s.State.Status, started)
		return s, err
	}

	svc.setStackState(opCtx, s, stack.ActionCreate, stack.StatusComplete, "Stack CREATE completed successfully")
	svc.recordStackOperation(stack.ActionCreate, stack.StatusComplete, started)
	return s, nil
}

func (svc *Service) runCreateTraversal(ctx context.Context, s *stack.Stack, prep *preparedInput) error {
	full, err := BuildGraph(prep.tpl)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		names = append(names, name)
	}
	g := full.Subgraph(names)

	tasks := make(map[string]*Task, len(names))
	for _, name := range names {
		r := s.Resources[name]
		tasks[name] = svc.newTask(name, func(taskCtx context.Context) error {
			return svc.createResource(taskCtx, s, r, prep.conds)
		})
	}

	result, err := svc.traverser.Traverse(ctx, g, tasks)
	if err != nil {
		return err
	}
	return result.Err()
}

func (svc *Service) newTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{
		Name:       name,
		Run:        run,
		Timeout:    svc.operationTimeout,
		MaxRetries: svc.maxRetries,
	}
}

// createResource resolves a resource's definition and provisions it.
func (svc *Service) createResource(ctx context.Context, s *stack.Stack, r *stack.Resource, conds map[string]bool) error {
	if r.IsExternal() {
		// Adopted resources are never provisioned; record them as-is.
		return svc.persistResource(ctx, s.ID, r)
	}

	props, meta, err := svc.resolveDefinition(s, r.Definition, conds)
	if err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusFailed, err.Error())
		return NewPermanentError("resolve resource properties", err).
			WithCode(ErrCodeValidation).WithResource(r.Name)
	}

	provider, err := svc.registry.Get(r.Type)
	if err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusFailed, err.Error())
		return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(r.Name)
	}
	props = resources.ApplyDefaults(provider.Schema(), props)

	if err := provider.Validate(ctx, resources.ValidateRequest{
		ResourceName: r.Name,
		Properties:   props,
	}); err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusFailed, err.Error())
		return NewPermanentError("resource validation failed", err).
			WithCode(ErrCodeValidation).WithResource(r.Name)
	}

	svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusInProgress, "state changed")
	started := time.Now()
	resp, err := provider.Create(ctx, resources.CreateRequest{
		StackID:      s.ID,
		StackName:    s.Name,
		ResourceName: r.Name,
		Properties:   props,
		Metadata:     meta,
	})
	svc.recordResourceAction(r.Type, "create", err, started)
	if err != nil {
		err = classify(err)
		svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusFailed, err.Error())
		return err
	}

	r.PhysicalID = resp.PhysicalID
	r.Properties = props
	if resp.Attributes != nil {
		r.Attributes = resp.Attributes
	}
	r.DefinitionHash = stack.HashDefinition(r.Type, props, meta)
	svc.setResourceState(ctx, s, r, stack.ActionCreate, stack.StatusComplete, "state changed")
	return nil
}

// resolveDefinition resolves a definition's properties and metadata against
// the stack's live resources.
func (svc *Service) resolveDefinition(s *stack.Stack, def *template.ResourceDefinition, conds map[string]bool) (map[string]interface{}, map[string]interface{}, error) {
	rc := s.ResolveContext()
	rc.Conditions = conds

	props, err := resolveMap(def.Properties, rc)
	if err != nil {
		return nil, nil, err
	}
	meta, err := resolveMap(def.Metadata, rc)
	if err != nil {
		return nil, nil, err
	}
	return props, meta, nil
}

func resolveMap(m map[string]interface{}, rc *template.ResolveContext) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	resolved, err := template.Resolve(m, rc)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resolved value is not a mapping")
	}
	return out, nil
}

// handleCreateFailure rolls back a failed create unless rollback is
// disabled.
func (svc *Service) handleCreateFailure(_ context.Context, s *stack.Stack, cause error) {
	// Failure handling runs on a fresh context so a cancelled or timed-out
	// create still persists its final state and cleans up after itself.
	rbCtx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	if s.DisableRollback {
		svc.setStackState(rbCtx, s, stack.ActionCreate, stack.StatusFailed,
			fmt.Sprintf("Stack CREATE failed: %v", cause))
		return
	}

	svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusInProgress,
		fmt.Sprintf("Rolling back failed CREATE: %v", cause))

	if err := svc.deleteResources(rbCtx, s); err != nil {
		svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusFailed,
			fmt.Sprintf("Rollback failed: %v", err))
		return
	}
	svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusComplete,
		"Stack CREATE rolled back")
}

// deleteResources removes the stack's live resources in reverse dependency
// order.
func (svc *Service) deleteResources(ctx context.Context, s *stack.Stack) error {
	g := NewGraph()
	for name := range s.Resources {
		g.AddNode(name)
	}
	for name, r := range s.Resources {
		if r.Definition == nil {
			continue
		}
		for _, dep := range s.Template.Dependencies(r.Definition) {
			if _, ok := s.Resources[dep]; ok {
				// Errors cannot occur: both endpoints were just added.
				_ = g.AddEdge(dep, name)
			}
		}
	}

	tasks := make(map[string]*Task, len(s.Resources))
	for name, r := range s.Resources {
		r := r
		tasks[name] = svc.newTask(name, func(taskCtx context.Context) error {
			return svc.deleteResource(taskCtx, s, r)
		})
	}

	result, err := svc.traverser.Traverse(ctx, g.Reverse(), tasks)
	if err != nil {
		return err
	}
	return result.Err()
}

// deleteResource removes one resource, honoring its deletion policy.
func (svc *Service) deleteResource(ctx context.Context, s *stack.Stack, r *stack.Resource) error {
	if r.PhysicalID == "" || r.State.IsDeleted() {
		r.SetState(stack.ActionDelete, stack.StatusComplete, "nothing to delete")
		return svc.removeResourceRecord(ctx, s, r)
	}
	if r.IsExternal() || r.DeletionPolicy == template.DeletionPolicyRetain {
		svc.event(ctx, s.ID, r.Name, stack.ActionDelete, stack.StatusComplete, "resource retained")
		r.SetState(stack.ActionDelete, stack.StatusComplete, "resource retained")
		return svc.removeResourceRecord(ctx, s, r)
	}

	provider, err := svc.registry.Get(r.Type)
	if err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionDelete, stack.StatusFailed, err.Error())
		return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(r.Name)
	}

	svc.setResourceState(ctx, s, r, stack.ActionDelete, stack.StatusInProgress, "state changed")
	started := time.Now()
	err = provider.Delete(ctx, resources.DeleteRequest{
		StackID:      s.ID,
		ResourceName: r.Name,
		PhysicalID:   r.PhysicalID,
		Properties:   r.Properties,
	})
	svc.recordResourceAction(r.Type, "delete", err, started)
	if err != nil {
		err = classify(err)
		svc.setResourceState(ctx, s, r, stack.ActionDelete, stack.StatusFailed, err.Error())
		return err
	}

	svc.event(ctx, s.ID, r.Name, stack.ActionDelete, stack.StatusComplete, "state changed")
	r.SetState(stack.ActionDelete, stack.StatusComplete, "state changed")
	return svc.removeResourceRecord(ctx, s, r)
}

func (svc *Service) removeResourceRecord(ctx context.Context, s *stack.Stack, r *stack.Resource) error {
	if err := svc.store.DeleteResource(ctx, s.ID, r.Name); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return NewTransientError("delete resource record", err).WithCode(ErrCodeInternal)
	}
	delete(s.Resources, r.Name)
	return nil
}

// DeleteStack removes the stack's resources and soft-deletes the record.
func (svc *Service) DeleteStack(ctx context.Context, idOrName string) error {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := s.State.CanStart(stack.ActionDelete); err != nil {
		return NewConflictError(err.Error(), nil).WithCode(ErrCodeInvalidState)
	}
	if err := svc.lockStack(ctx, s.ID, stack.ActionDelete); err != nil {
		return err
	}
	defer svc.unlockStack(s.ID)

	opCtx, done := svc.beginOperation(ctx, s)
	defer done()

	svc.setStackState(opCtx, s, stack.ActionDelete, stack.StatusInProgress, "Stack DELETE started")
	started := time.Now()
	if svc.metrics != nil {
		svc.metrics.RecordStackOperationStarted()
	}

	if err := svc.deleteResources(opCtx, s); err != nil {
		svc.setStackState(opCtx, s, stack.ActionDelete, stack.StatusFailed,
			fmt.Sprintf("Stack DELETE failed: %v", err))
		svc.recordStackOperation(stack.ActionDelete, stack.StatusFailed, started)
		return err
	}

	svc.setStackState(opCtx, s, stack.ActionDelete, stack.StatusComplete,
		"Stack DELETE completed successfully")
	if err := svc.store.SoftDeleteStack(opCtx, s.ID); err != nil {
		return NewTransientError("soft delete stack", err).WithCode(ErrCodeInternal)
	}
	svc.recordStackOperation(stack.ActionDelete, stack.StatusComplete, started)
	return nil
}

// UpdateStack diffs the stack against new input and converges every
// resource. On failure the previous template is re-applied unless rollback
// is disabled.
func (svc *Service) UpdateStack(ctx context.Context, idOrName string, in StackInput) (*stack.Stack, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := s.State.CanStart(stack.ActionUpdate); err != nil {
		return nil, NewConflictError(err.Error(), nil).WithCode(ErrCodeInvalidState)
	}

	prep, err := svc.prepare(in, s.Name, s.ID)
	if err != nil {
		return nil, err
	}

	if err := svc.lockStack(ctx, s.ID, stack.ActionUpdate); err != nil {
		return nil, err
	}
	defer svc.unlockStack(s.ID)

	// Snapshot for rollback before mutating anything.
	snapshot, err := rollbackInput(s)
	if err != nil {
		return nil, err
	}

	opCtx, done := svc.beginOperation(ctx, s)
	defer done()

	svc.setStackState(opCtx, s, stack.ActionUpdate, stack.StatusInProgress, "Stack UPDATE started")
	started := time.Now()
	if svc.metrics != nil {
		svc.metrics.RecordStackOperationStarted()
	}

	err = svc.applyUpdate(opCtx, s, prep, in)
	if err == nil {
		if outErr := svc.refreshOutputs(opCtx, s, prep.conds); outErr != nil {
			err = outErr
		}
	}

	if err != nil {
		svc.handleUpdateFailure(opCtx, s, snapshot, err)
		svc.recordStackOperation(stack.ActionUpdate, s.State.Status, started)
		return s, err
	}

	svc.setStackState(opCtx, s, stack.ActionUpdate, stack.StatusComplete,
		"Stack UPDATE completed successfully")
	svc.recordStackOperation(stack.ActionUpdate, stack.StatusComplete, started)
	return s, nil
}

// rollbackInput rebuilds a StackInput that re-applies the stack's current
// template material. The merged environment is carried as a JSON document,
// which the YAML environment parser accepts.
func rollbackInput(s *stack.Stack) (StackInput, error) {
	in := StackInput{
		Template:        s.Template.Raw,
		Parameters:      s.Parameters,
		Files:           s.Files,
		Tags:            s.Tags,
		Timeout:         s.Timeout,
		DisableRollback: s.DisableRollback,
	}
	if s.Environment != nil {
		raw, err := json.Marshal(envDoc{
			Parameters:        s.Environment.Parameters,
			ParameterDefaults: s.Environment.ParameterDefaults,
			ResourceRegistry:  s.Environment.ResourceRegistry,
		})
		if err != nil {
			return StackInput{}, NewPermanentError("encode environment", err).WithCode(ErrCodeInternal)
		}
		in.Environments = [][]byte{raw}
	}
	return in, nil
}

// applyUpdate diffs the stack against the prepared input and runs the
// resulting operations: creates, updates and replaces in dependency order,
// then deletes of removed resources in reverse order.
func (svc *Service) applyUpdate(ctx context.Context, s *stack.Stack, prep *preparedInput, in StackInput) error {
	desired, err := svc.resolveDesired(s, prep)
	if err != nil {
		return err
	}

	changes := PlanUpdate(s.Resources, desired, svc.schemaFor)
	summary := Summary(changes)
	svc.logger.WithStack(s.ID, s.Name).WithAction(string(stack.ActionUpdate)).
		Infof("update plan: %d create, %d update, %d replace, %d delete, %d unchanged",
			summary[OpCreate], summary[OpUpdate], summary[OpReplace], summary[OpDelete], summary[OpNoop])

	// Removed resources are deleted after the converge pass, against the
	// old dependency order.
	oldTemplate := s.Template

	// Adopt the new template material.
	s.Template = prep.tpl
	s.Environment = prep.env
	s.Parameters = prep.params
	s.Files = prep.files
	if in.Tags != nil {
		s.Tags = in.Tags
	}
	if in.Timeout > 0 {
		s.Timeout = in.Timeout
	}
	s.DisableRollback = in.DisableRollback

	full, err := BuildGraph(prep.tpl)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	g := full.Subgraph(names)

	tasks := make(map[string]*Task, len(desired))
	for name, change := range changes {
		if change.Op == OpDelete {
			continue
		}
		change := change
		tasks[name] = svc.newTask(name, func(taskCtx context.Context) error {
			return svc.convergeResource(taskCtx, s, change, prep.conds)
		})
	}

	result, err := svc.traverser.Traverse(ctx, g, tasks)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}

	return svc.deleteRemoved(ctx, s, oldTemplate, changes)
}

// resolveDesired resolves the prepared input's resource definitions against
// the stack's current live resources. A definition whose references cannot
// resolve yet (it depends on a resource this update creates) gets an empty
// hash, which forces a converge for that resource.
func (svc *Service) resolveDesired(s *stack.Stack, prep *preparedInput) (map[string]*DesiredResource, error) {
	desired := make(map[string]*DesiredResource, len(prep.enabled))
	for name, def := range prep.enabled {
		resourceType := prep.env.RemapType(def.Type)
		want := &DesiredResource{
			Name:           name,
			Type:           resourceType,
			DeletionPolicy: def.DeletionPolicy,
			Definition:     def,
		}

		rc := s.ResolveContext()
		rc.Parameters = prep.params
		rc.Files = prep.files
		rc.Conditions = prep.conds

		props, perr := resolveMap(def.Properties, rc)
		meta, merr := resolveMap(def.Metadata, rc)
		if perr == nil && merr == nil {
			want.Properties = props
			want.Metadata = meta
			want.Hash = stack.HashDefinition(resourceType, props, meta)
		}
		desired[name] = want
	}
	return desired, nil
}

func (svc *Service) schemaFor(resourceType string) *resources.Schema {
	p, err := svc.registry.Get(resourceType)
	if err != nil {
		return nil
	}
	return p.Schema()
}

// convergeResource applies one planned change during an update traversal.
func (svc *Service) convergeResource(ctx context.Context, s *stack.Stack, change *ResourceChange, conds map[string]bool) error {
	switch change.Op {
	case OpNoop:
		r := s.Resources[change.Name]
		r.Definition = change.Desired.Definition
		r.DeletionPolicy = change.Desired.DeletionPolicy
		return svc.persistResource(ctx, s.ID, r)

	case OpCreate:
		r := stack.NewResource(s, change.Desired.Definition)
		r.Type = change.Desired.Type
		s.AttachResource(r)
		return svc.createResource(ctx, s, r, conds)

	case OpUpdate:
		return svc.updateResource(ctx, s, s.Resources[change.Name], change.Desired, conds)

	case OpReplace:
		return svc.replaceResource(ctx, s, s.Resources[change.Name], change, conds)

	default:
		return NewPermanentError(fmt.Sprintf("unknown operation %q", change.Op), nil).
			WithCode(ErrCodeInternal).WithResource(change.Name)
	}
}

// updateResource converges an existing resource in place.
func (svc *Service) updateResource(ctx context.Context, s *stack.Stack, r *stack.Resource, want *DesiredResource, conds map[string]bool) error {
	props, meta, err := svc.resolveDefinition(s, want.Definition, conds)
	if err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed, err.Error())
		return NewPermanentError("resolve resource properties", err).
			WithCode(ErrCodeValidation).WithResource(r.Name)
	}

	provider, err := svc.registry.Get(want.Type)
	if err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed, err.Error())
		return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(r.Name)
	}
	props = resources.ApplyDefaults(provider.Schema(), props)

	// Re-check the hash with fully resolved values; references to freshly
	// created resources resolve only now.
	hash := stack.HashDefinition(want.Type, props, meta)
	if hash == r.DefinitionHash {
		r.Definition = want.Definition
		r.DeletionPolicy = want.DeletionPolicy
		return svc.persistResource(ctx, s.ID, r)
	}

	if err := provider.Validate(ctx, resources.ValidateRequest{
		ResourceName: r.Name,
		Properties:   props,
	}); err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed, err.Error())
		return NewPermanentError("resource validation failed", err).
			WithCode(ErrCodeValidation).WithResource(r.Name)
	}

	svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusInProgress, "state changed")
	started := time.Now()
	resp, err := provider.Update(ctx, resources.UpdateRequest{
		StackID:       s.ID,
		StackName:     s.Name,
		ResourceName:  r.Name,
		PhysicalID:    r.PhysicalID,
		OldProperties: r.Properties,
		Properties:    props,
		Metadata:      meta,
	})
	svc.recordResourceAction(r.Type, "update", err, started)
	if err != nil {
		err = classify(err)
		svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed, err.Error())
		return err
	}

	if resp.PhysicalID != "" {
		r.PhysicalID = resp.PhysicalID
	}
	if resp.Attributes != nil {
		r.Attributes = resp.Attributes
	}
	r.Properties = props
	r.DefinitionHash = hash
	r.Definition = want.Definition
	r.DeletionPolicy = want.DeletionPolicy
	svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusComplete, "state changed")
	return nil
}

// replaceResource provisions a new physical resource for a definition whose
// change cannot be applied in place. The provider schema decides whether
// the new resource is created before or after the old one is deleted.
func (svc *Service) replaceResource(ctx context.Context, s *stack.Stack, r *stack.Resource, change *ResourceChange, conds map[string]bool) error {
	old := &stack.Resource{
		Name:           r.Name,
		Type:           r.Type,
		PhysicalID:     r.PhysicalID,
		Properties:     r.Properties,
		DeletionPolicy: r.DeletionPolicy,
		Definition:     r.Definition,
		State:          r.State,
	}

	deleteOld := func() error {
		if old.PhysicalID == "" || old.DeletionPolicy == template.DeletionPolicyRetain {
			return nil
		}
		provider, err := svc.registry.Get(old.Type)
		if err != nil {
			return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(r.Name)
		}
		started := time.Now()
		err = provider.Delete(ctx, resources.DeleteRequest{
			StackID:      s.ID,
			ResourceName: old.Name,
			PhysicalID:   old.PhysicalID,
			Properties:   old.Properties,
		})
		svc.recordResourceAction(old.Type, "delete", err, started)
		return classify(err)
	}

	createNew := func() error {
		r.Type = change.Desired.Type
		r.Definition = change.Desired.Definition
		r.DeletionPolicy = change.Desired.DeletionPolicy
		r.PhysicalID = ""
		r.Attributes = make(map[string]interface{})
		return svc.createResource(ctx, s, r, conds)
	}

	svc.logger.WithStack(s.ID, s.Name).WithResource(r.Name).
		Infof("replacing resource: %s", change.Reason)

	if change.ReplaceCreateFirst {
		if err := createNew(); err != nil {
			return err
		}
		if err := deleteOld(); err != nil {
			svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed,
				fmt.Sprintf("replacement cleanup failed: %v", err))
			return err
		}
		return nil
	}

	svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusInProgress,
		fmt.Sprintf("replacing: %s", change.Reason))
	if err := deleteOld(); err != nil {
		svc.setResourceState(ctx, s, r, stack.ActionUpdate, stack.StatusFailed, err.Error())
		return err
	}
	return createNew()
}

// deleteRemoved deletes resources absent from the new template, in reverse
// dependency order of the old template.
func (svc *Service) deleteRemoved(ctx context.Context, s *stack.Stack, oldTemplate *template.Template, changes map[string]*ResourceChange) error {
	removed := make(map[string]*stack.Resource)
	for name, change := range changes {
		if change.Op == OpDelete {
			if r, ok := s.Resources[name]; ok {
				removed[name] = r
			}
		}
	}
	if len(removed) == 0 {
		return nil
	}

	g := NewGraph()
	for name := range removed {
		g.AddNode(name)
	}
	for name, r := range removed {
		if r.Definition == nil {
			continue
		}
		for _, dep := range oldTemplate.Dependencies(r.Definition) {
			if _, ok := removed[dep]; ok {
				_ = g.AddEdge(dep, name)
			}
		}
	}

	tasks := make(map[string]*Task, len(removed))
	for name, r := range removed {
		r := r
		tasks[name] = svc.newTask(name, func(taskCtx context.Context) error {
			return svc.deleteResource(taskCtx, s, r)
		})
	}

	result, err := svc.traverser.Traverse(ctx, g.Reverse(), tasks)
	if err != nil {
		return err
	}
	return result.Err()
}

// handleUpdateFailure re-applies the previous template unless rollback is
// disabled.
func (svc *Service) handleUpdateFailure(_ context.Context, s *stack.Stack, snapshot StackInput, cause error) {
	rbCtx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	if s.DisableRollback {
		svc.setStackState(rbCtx, s, stack.ActionUpdate, stack.StatusFailed,
			fmt.Sprintf("Stack UPDATE failed: %v", cause))
		return
	}

	svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusInProgress,
		fmt.Sprintf("Rolling back failed UPDATE: %v", cause))

	prep, err := svc.prepare(snapshot, s.Name, s.ID)
	if err == nil {
		err = svc.applyUpdate(rbCtx, s, prep, snapshot)
		if err == nil {
			err = svc.refreshOutputs(rbCtx, s, prep.conds)
		}
	}
	if err != nil {
		svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusFailed,
			fmt.Sprintf("Rollback failed: %v", err))
		return
	}
	svc.setStackState(rbCtx, s, stack.ActionRollback, stack.StatusComplete,
		"Stack UPDATE rolled back")
}

// StackAction runs a non-template action: suspend, resume or check.
func (svc *Service) StackAction(ctx context.Context, idOrName string, action stack.Action) (*stack.Stack, error) {
	s, err := svc.GetStack(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := s.State.CanStart(action); err != nil {
		return nil, NewConflictError(err.Error(), nil).WithCode(ErrCodeInvalidState)
	}
	if err := svc.lockStack(ctx, s.ID, action); err != nil {
		return nil, err
	}
	defer svc.unlockStack(s.ID)

	opCtx, done := svc.beginOperation(ctx, s)
	defer done()

	svc.setStackState(opCtx, s, action, stack.StatusInProgress,
		fmt.Sprintf("Stack %s started", action))
	started := time.Now()

	switch action {
	case stack.ActionSuspend, stack.ActionResume:
		err = svc.markResources(opCtx, s, action)
	case stack.ActionCheck:
		err = svc.checkResources(opCtx, s)
	default:
		err = NewPermanentError(fmt.Sprintf("unsupported action %s", action), nil).
			WithCode(ErrCodeValidation)
	}

	if err != nil {
		svc.setStackState(opCtx, s, action, stack.StatusFailed,
			fmt.Sprintf("Stack %s failed: %v", action, err))
		svc.recordStackOperation(action, stack.StatusFailed, started)
		return s, err
	}
	svc.setStackState(opCtx, s, action, stack.StatusComplete,
		fmt.Sprintf("Stack %s completed successfully", action))
	svc.recordStackOperation(action, stack.StatusComplete, started)
	return s, nil
}

// markResources transitions every resource through a state-only action.
func (svc *Service) markResources(ctx context.Context, s *stack.Stack, action stack.Action) error {
	for _, name := range sortedResourceNames(s) {
		r := s.Resources[name]
		svc.setResourceState(ctx, s, r, action, stack.StatusComplete, "state changed")
	}
	return nil
}

// checkResources verifies every live resource through its provider.
func (svc *Service) checkResources(ctx context.Context, s *stack.Stack) error {
	var unhealthy []string
	for _, name := range sortedResourceNames(s) {
		r := s.Resources[name]
		if r.PhysicalID == "" {
			continue
		}
		provider, err := svc.registry.Get(r.Type)
		if err != nil {
			return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(name)
		}

		checkCtx, cancel := context.WithTimeout(ctx, svc.operationTimeout)
		started := time.Now()
		resp, err := provider.Check(checkCtx, resources.CheckRequest{
			StackID:      s.ID,
			ResourceName: r.Name,
			PhysicalID:   r.PhysicalID,
			Properties:   r.Properties,
		})
		cancel()
		svc.recordResourceAction(r.Type, "check", err, started)
		if err != nil {
			svc.setResourceState(ctx, s, r, stack.ActionCheck, stack.StatusFailed, err.Error())
			unhealthy = append(unhealthy, name)
			continue
		}
		if resp.Attributes != nil {
			r.Attributes = resp.Attributes
		}
		if !resp.Healthy {
			svc.setResourceState(ctx, s, r, stack.ActionCheck, stack.StatusFailed, resp.Reason)
			unhealthy = append(unhealthy, name)
			continue
		}
		svc.setResourceState(ctx, s, r, stack.ActionCheck, stack.StatusComplete, "state changed")
	}

	if len(unhealthy) > 0 {
		return NewPermanentError(
			fmt.Sprintf("%d resources failed the check: %v", len(unhealthy), unhealthy), nil).
			WithCode(ErrCodeProviderFailed)
	}
	return nil
}

// refreshOutputs resolves the template outputs against the stack's live
// resources.
func (svc *Service) refreshOutputs(ctx context.Context, s *stack.Stack, conds map[string]bool) error {
	rc := s.ResolveContext()
	rc.Conditions = conds

	outputs := make(map[string]interface{}, len(s.Template.Outputs))
	for name, def := range s.Template.Outputs {
		if def.Condition != "" && !conds[def.Condition] {
			continue
		}
		value, err := template.Resolve(def.Value, rc)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("resolve output %q", name), err).
				WithCode(ErrCodeValidation)
		}
		outputs[name] = value
	}
	s.Outputs = outputs
	return svc.persistStack(ctx, s)
}

// beginOperation derives the operation context: bounded by the stack
// timeout and cancellable through Cancel.
func (svc *Service) beginOperation(ctx context.Context, s *stack.Stack) (context.Context, func()) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = svc.stackTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	svc.cancels.Store(s.ID, context.CancelFunc(cancel))
	return opCtx, func() {
		svc.cancels.Delete(s.ID)
		cancel()
	}
}

func (svc *Service) recordStackOperation(action stack.Action, status stack.Status, started time.Time) {
	if svc.metrics == nil {
		return
	}
	svc.metrics.RecordStackOperation(string(action), string(status), time.Since(started))
}

func (svc *Service) recordResourceAction(resourceType, action string, err error, started time.Time) {
	if svc.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	svc.metrics.RecordResourceAction(resourceType, action, result, time.Since(started))
}

func sortedResourceNames(s *stack.Stack) []string {
	names := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
