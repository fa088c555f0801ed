// Package builtin provides the core resource providers compiled into the
// engine: placeholders, value pass-through, random strings, and the
// software config / deployment pair used for remote provisioning.
package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
)

// NoneProvider implements core.none, a resource that does nothing. It is
// useful as a synchronization point in dependency graphs and as a stand-in
// while developing templates.
type NoneProvider struct{}

// NewNoneProvider creates the core.none provider.
func NewNoneProvider() *NoneProvider {
	return &NoneProvider{}
}

func (p *NoneProvider) Schema() *resources.Schema {
	return &resources.Schema{
		Type:        "core.none",
		Description: "A no-op resource; accepts and ignores any properties.",
	}
}

func (p *NoneProvider) Metadata() resources.Metadata {
	return resources.Metadata{Name: "core.none", Version: "1.0.0"}
}

// Validate accepts anything: core.none deliberately ignores properties so
// templates can stub out resource types during development.
func (p *NoneProvider) Validate(_ context.Context, _ resources.ValidateRequest) error {
	return nil
}

func (p *NoneProvider) Create(_ context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	return &resources.CreateResponse{
		PhysicalID: uuid.New().String(),
	}, nil
}

func (p *NoneProvider) Update(_ context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	return &resources.UpdateResponse{PhysicalID: req.PhysicalID}, nil
}

func (p *NoneProvider) Delete(_ context.Context, _ resources.DeleteRequest) error {
	return nil
}

func (p *NoneProvider) Check(_ context.Context, _ resources.CheckRequest) (*resources.CheckResponse, error) {
	return &resources.CheckResponse{Healthy: true}, nil
}

func (p *NoneProvider) ResolveAttribute(_ context.Context, req resources.AttributeRequest) (interface{}, error) {
	return nil, fmt.Errorf("core.none has no attribute %q", req.Attribute)
}
