// Package wasm loads provider plugins: sandboxed WASM modules described
// by a manifest, each serving one or more resource types through a JSON
// call interface.
package wasm

import (
	"context"
	"fmt"

	"github.com/calderahq/caldera/pkg/resources"
)

// invoker is the call surface of a Plugin; tests substitute fakes.
type invoker interface {
	Call(ctx context.Context, op, resourceType string, request, out interface{}) error
}

// PluginProvider adapts one resource type of a plugin to the Provider
// interface. Several PluginProviders may share one Plugin instance.
type PluginProvider struct {
	plugin       invoker
	manifest     *Manifest
	resourceType string
	schema       *resources.Schema
}

// NewPluginProvider creates a provider for one resource type served by a
// plugin.
func NewPluginProvider(plugin *Plugin, resourceType string) (*PluginProvider, error) {
	schema, err := plugin.Manifest().Schema(resourceType)
	if err != nil {
		return nil, err
	}
	return &PluginProvider{
		plugin:       plugin,
		manifest:     plugin.Manifest(),
		resourceType: resourceType,
		schema:       schema,
	}, nil
}

func (p *PluginProvider) Schema() *resources.Schema {
	return p.schema
}

func (p *PluginProvider) Metadata() resources.Metadata {
	return p.manifest.Metadata()
}

// Validate checks properties against the manifest schema before handing
// them to the plugin for its own checks.
func (p *PluginProvider) Validate(ctx context.Context, req resources.ValidateRequest) error {
	if err := resources.ValidateProperties(p.schema, req.Properties); err != nil {
		return err
	}
	return p.plugin.Call(ctx, "validate", p.resourceType, req, nil)
}

func (p *PluginProvider) Create(ctx context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	var resp resources.CreateResponse
	if err := p.plugin.Call(ctx, "create", p.resourceType, req, &resp); err != nil {
		return nil, err
	}
	if resp.PhysicalID == "" {
		return nil, fmt.Errorf("plugin %s created %s without a physical ID", p.manifest.Name, p.resourceType)
	}
	return &resp, nil
}

func (p *PluginProvider) Update(ctx context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	var resp resources.UpdateResponse
	if err := p.plugin.Call(ctx, "update", p.resourceType, req, &resp); err != nil {
		return nil, err
	}
	if resp.PhysicalID == "" {
		resp.PhysicalID = req.PhysicalID
	}
	return &resp, nil
}

func (p *PluginProvider) Delete(ctx context.Context, req resources.DeleteRequest) error {
	return p.plugin.Call(ctx, "delete", p.resourceType, req, nil)
}

func (p *PluginProvider) Check(ctx context.Context, req resources.CheckRequest) (*resources.CheckResponse, error) {
	var resp resources.CheckResponse
	if err := p.plugin.Call(ctx, "check", p.resourceType, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *PluginProvider) ResolveAttribute(ctx context.Context, req resources.AttributeRequest) (interface{}, error) {
	var resp struct {
		Value interface{} `json:"value"`
	}
	if err := p.plugin.Call(ctx, "resolve_attribute", p.resourceType, req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}
