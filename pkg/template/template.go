package template

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the template format version accepted by this engine.
const Version = "2026-08-24"

// Section names of a template document.
const (
	SectionVersion         = "caldera_template_version"
	SectionDescription     = "description"
	SectionParameterGroups = "parameter_groups"
	SectionParameters      = "parameters"
	SectionResources       = "resources"
	SectionOutputs         = "outputs"
	SectionConditions      = "conditions"
)

var knownSections = map[string]bool{
	SectionVersion:         true,
	SectionDescription:     true,
	SectionParameterGroups: true,
	SectionParameters:      true,
	SectionResources:       true,
	SectionOutputs:         true,
	SectionConditions:      true,
}

// DeletionPolicy controls what happens to the physical resource when its
// definition is removed from the stack.
type DeletionPolicy string

const (
	// DeletionPolicyDelete removes the physical resource (default).
	DeletionPolicyDelete DeletionPolicy = "delete"
	// DeletionPolicyRetain abandons the physical resource but removes it
	// from the stack.
	DeletionPolicyRetain DeletionPolicy = "retain"
)

// Template is a parsed and structurally validated template document.
type Template struct {
	Version         string
	Description     string
	ParameterGroups []ParameterGroup
	Parameters      map[string]*ParameterSchema
	Resources       map[string]*ResourceDefinition
	Outputs         map[string]*OutputDefinition
	Conditions      map[string]interface{}

	// Raw is the original document bytes, persisted alongside the stack.
	Raw []byte
}

// ParameterGroup groups related parameters for presentation purposes.
type ParameterGroup struct {
	Label       string   `yaml:"label"`
	Description string   `yaml:"description"`
	Parameters  []string `yaml:"parameters"`
}

// ResourceDefinition is one entry of the resources section.
type ResourceDefinition struct {
	Name           string
	Type           string
	Description    string
	Properties     map[string]interface{}
	Metadata       map[string]interface{}
	DependsOn      []string
	DeletionPolicy DeletionPolicy
	UpdatePolicy   map[string]interface{}
	Condition      string
	ExternalID     string
}

// OutputDefinition is one entry of the outputs section.
type OutputDefinition struct {
	Name        string
	Description string
	Value       interface{}
	Condition   string
}

// Parse parses a YAML template document and performs structural validation.
// Reference validation (get_param targets, dependency targets) is done
// separately by Validate so environments can be applied first.
func Parse(raw []byte) (*Template, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("template is empty")
	}

	for key := range doc {
		if !knownSections[key] {
			return nil, fmt.Errorf("unknown template section %q", key)
		}
	}

	version, ok := doc[SectionVersion]
	if !ok {
		return nil, fmt.Errorf("missing required section %q", SectionVersion)
	}
	versionStr := fmt.Sprintf("%v", version)
	if versionStr != Version {
		return nil, fmt.Errorf("unsupported template version %q (supported: %s)", versionStr, Version)
	}

	t := &Template{
		Version:    versionStr,
		Parameters: make(map[string]*ParameterSchema),
		Resources:  make(map[string]*ResourceDefinition),
		Outputs:    make(map[string]*OutputDefinition),
		Conditions: make(map[string]interface{}),
		Raw:        raw,
	}

	if desc, ok := doc[SectionDescription]; ok {
		s, ok := desc.(string)
		if !ok {
			return nil, fmt.Errorf("section %q must be a string", SectionDescription)
		}
		t.Description = s
	}

	if groups, ok := doc[SectionParameterGroups]; ok {
		if err := parseParameterGroups(t, groups); err != nil {
			return nil, err
		}
	}

	if params, ok := doc[SectionParameters]; ok {
		m, err := asSectionMap(SectionParameters, params)
		if err != nil {
			return nil, err
		}
		for name, spec := range m {
			schema, err := parseParameterSchema(name, spec)
			if err != nil {
				return nil, err
			}
			t.Parameters[name] = schema
		}
	}

	if conds, ok := doc[SectionConditions]; ok {
		m, err := asSectionMap(SectionConditions, conds)
		if err != nil {
			return nil, err
		}
		t.Conditions = m
	}

	if resources, ok := doc[SectionResources]; ok {
		m, err := asSectionMap(SectionResources, resources)
		if err != nil {
			return nil, err
		}
		for name, spec := range m {
			def, err := parseResourceDefinition(name, spec)
			if err != nil {
				return nil, err
			}
			t.Resources[name] = def
		}
	}

	if outputs, ok := doc[SectionOutputs]; ok {
		m, err := asSectionMap(SectionOutputs, outputs)
		if err != nil {
			return nil, err
		}
		for name, spec := range m {
			out, err := parseOutputDefinition(name, spec)
			if err != nil {
				return nil, err
			}
			t.Outputs[name] = out
		}
	}

	return t, nil
}

func asSectionMap(section string, v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("section %q must be a mapping", section)
	}
	return m, nil
}

func parseParameterGroups(t *Template, v interface{}) error {
	list, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("section %q must be a list", SectionParameterGroups)
	}
	for i, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return fmt.Errorf("parameter group %d must be a mapping", i)
		}
		group := ParameterGroup{}
		if label, ok := m["label"].(string); ok {
			group.Label = label
		}
		if desc, ok := m["description"].(string); ok {
			group.Description = desc
		}
		if params, ok := m["parameters"].([]interface{}); ok {
			for _, p := range params {
				s, ok := p.(string)
				if !ok {
					return fmt.Errorf("parameter group %d: parameter names must be strings", i)
				}
				group.Parameters = append(group.Parameters, s)
			}
		}
		t.ParameterGroups = append(t.ParameterGroups, group)
	}
	return nil
}

var knownResourceKeys = map[string]bool{
	"type":            true,
	"properties":      true,
	"metadata":        true,
	"depends_on":      true,
	"deletion_policy": true,
	"update_policy":   true,
	"condition":       true,
	"external_id":     true,
	"description":     true,
}

func parseResourceDefinition(name string, v interface{}) (*ResourceDefinition, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resource %q must be a mapping", name)
	}
	for key := range m {
		if !knownResourceKeys[key] {
			return nil, fmt.Errorf("resource %q: unknown key %q", name, key)
		}
	}

	def := &ResourceDefinition{
		Name:           name,
		DeletionPolicy: DeletionPolicyDelete,
	}

	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("resource %q: missing or invalid type", name)
	}
	def.Type = typ

	if desc, ok := m["description"]; ok {
		s, ok := desc.(string)
		if !ok {
			return nil, fmt.Errorf("resource %q: description must be a string", name)
		}
		def.Description = s
	}

	if props, ok := m["properties"]; ok && props != nil {
		pm, ok := props.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("resource %q: properties must be a mapping", name)
		}
		def.Properties = pm
	}

	if meta, ok := m["metadata"]; ok && meta != nil {
		mm, ok := meta.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("resource %q: metadata must be a mapping", name)
		}
		def.Metadata = mm
	}

	// depends_on accepts a single name or a list of names
	if dep, ok := m["depends_on"]; ok && dep != nil {
		switch d := dep.(type) {
		case string:
			def.DependsOn = []string{d}
		case []interface{}:
			for _, item := range d {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("resource %q: depends_on entries must be strings", name)
				}
				def.DependsOn = append(def.DependsOn, s)
			}
		default:
			return nil, fmt.Errorf("resource %q: depends_on must be a string or list of strings", name)
		}
	}

	if dp, ok := m["deletion_policy"]; ok {
		s, ok := dp.(string)
		if !ok {
			return nil, fmt.Errorf("resource %q: deletion_policy must be a string", name)
		}
		switch DeletionPolicy(strings.ToLower(s)) {
		case DeletionPolicyDelete:
			def.DeletionPolicy = DeletionPolicyDelete
		case DeletionPolicyRetain:
			def.DeletionPolicy = DeletionPolicyRetain
		default:
			return nil, fmt.Errorf("resource %q: invalid deletion_policy %q", name, s)
		}
	}

	if up, ok := m["update_policy"]; ok && up != nil {
		um, ok := up.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("resource %q: update_policy must be a mapping", name)
		}
		def.UpdatePolicy = um
	}

	if cond, ok := m["condition"]; ok && cond != nil {
		s, ok := cond.(string)
		if !ok {
			return nil, fmt.Errorf("resource %q: condition must be a condition name", name)
		}
		def.Condition = s
	}

	if ext, ok := m["external_id"]; ok && ext != nil {
		s, ok := ext.(string)
		if !ok {
			return nil, fmt.Errorf("resource %q: external_id must be a string", name)
		}
		def.ExternalID = s
	}

	return def, nil
}

func parseOutputDefinition(name string, v interface{}) (*OutputDefinition, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q must be a mapping", name)
	}

	out := &OutputDefinition{Name: name}

	value, ok := m["value"]
	if !ok {
		return nil, fmt.Errorf("output %q: missing value", name)
	}
	out.Value = value

	if desc, ok := m["description"]; ok {
		s, ok := desc.(string)
		if !ok {
			return nil, fmt.Errorf("output %q: description must be a string", name)
		}
		out.Description = s
	}

	if cond, ok := m["condition"]; ok && cond != nil {
		s, ok := cond.(string)
		if !ok {
			return nil, fmt.Errorf("output %q: condition must be a condition name", name)
		}
		out.Condition = s
	}

	return out, nil
}

// Validate performs reference validation over the whole template: parameter
// references, resource references, depends_on targets and condition names.
func (t *Template) Validate() error {
	for name, def := range t.Resources {
		for _, dep := range def.DependsOn {
			if dep == name {
				return fmt.Errorf("resource %q depends on itself", name)
			}
			if _, ok := t.Resources[dep]; !ok {
				return fmt.Errorf("resource %q depends on unknown resource %q", name, dep)
			}
		}
		if def.Condition != "" {
			if _, ok := t.Conditions[def.Condition]; !ok {
				return fmt.Errorf("resource %q references unknown condition %q", name, def.Condition)
			}
		}
		if err := t.validateReferences(fmt.Sprintf("resource %q", name), def.Properties); err != nil {
			return err
		}
		if err := t.validateReferences(fmt.Sprintf("resource %q metadata", name), def.Metadata); err != nil {
			return err
		}
	}

	for name, out := range t.Outputs {
		if out.Condition != "" {
			if _, ok := t.Conditions[out.Condition]; !ok {
				return fmt.Errorf("output %q references unknown condition %q", name, out.Condition)
			}
		}
		if err := t.validateReferences(fmt.Sprintf("output %q", name), out.Value); err != nil {
			return err
		}
	}

	return nil
}

// validateReferences walks a value tree checking get_param and get_resource
// targets exist.
func (t *Template) validateReferences(where string, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		if name, arg, ok := intrinsicCall(val); ok {
			switch name {
			case fnGetParam:
				pname := paramRefName(arg)
				if pname != "" && !isPseudoParameter(pname) {
					if _, ok := t.Parameters[pname]; !ok {
						return fmt.Errorf("%s: get_param references unknown parameter %q", where, pname)
					}
				}
			case fnGetResource:
				rname, _ := arg.(string)
				if rname != "" {
					if _, ok := t.Resources[rname]; !ok {
						return fmt.Errorf("%s: get_resource references unknown resource %q", where, rname)
					}
				}
			case fnGetAttr:
				if list, ok := arg.([]interface{}); ok && len(list) > 0 {
					if rname, ok := list[0].(string); ok {
						if _, ok := t.Resources[rname]; !ok {
							return fmt.Errorf("%s: get_attr references unknown resource %q", where, rname)
						}
					}
				}
			}
		}
		for _, sub := range val {
			if err := t.validateReferences(where, sub); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, sub := range val {
			if err := t.validateReferences(where, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResourceNames returns resource names in sorted order.
func (t *Template) ResourceNames() []string {
	names := make([]string, 0, len(t.Resources))
	for name := range t.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependencies returns the merged explicit and implicit dependency names for
// a resource definition. Implicit dependencies come from get_resource and
// get_attr references in properties and metadata.
func (t *Template) Dependencies(def *ResourceDefinition) []string {
	seen := make(map[string]bool)
	for _, dep := range def.DependsOn {
		seen[dep] = true
	}
	for _, ref := range ExtractReferences(def.Properties) {
		seen[ref] = true
	}
	for _, ref := range ExtractReferences(def.Metadata) {
		seen[ref] = true
	}
	delete(seen, def.Name)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		// References to names outside the template were already rejected
		// by Validate; guard anyway for partially built templates.
		if _, ok := t.Resources[dep]; ok {
			deps = append(deps, dep)
		}
	}
	sort.Strings(deps)
	return deps
}

// paramRefName extracts the parameter name from a get_param argument, which
// is either a bare name or a list whose first element is the name.
func paramRefName(arg interface{}) string {
	switch a := arg.(type) {
	case string:
		return a
	case []interface{}:
		if len(a) > 0 {
			if s, ok := a[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
