package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	TypeString             ParameterType = "string"
	TypeNumber             ParameterType = "number"
	TypeCommaDelimitedList ParameterType = "comma_delimited_list"
	TypeJSON               ParameterType = "json"
	TypeBoolean            ParameterType = "boolean"
)

// Pseudo parameter names resolved from stack identity rather than user input.
const (
	PseudoStackName = "stack_name"
	PseudoStackID   = "stack_id"
)

func isPseudoParameter(name string) bool {
	return name == PseudoStackName || name == PseudoStackID
}

// ParameterSchema describes one entry of the parameters section.
type ParameterSchema struct {
	Name        string
	Type        ParameterType
	Label       string
	Description string
	Default     interface{}
	HasDefault  bool
	Hidden      bool
	Immutable   bool
	Constraints []Constraint
}

// Constraint validates a coerced parameter value.
type Constraint interface {
	// Validate returns an error naming the parameter when the value is
	// outside the constraint.
	Validate(name string, value interface{}) error
}

// LengthConstraint bounds the length of a string or list value.
type LengthConstraint struct {
	Min *int
	Max *int
}

func (c LengthConstraint) Validate(name string, value interface{}) error {
	var length int
	switch v := value.(type) {
	case string:
		length = len(v)
	case []interface{}:
		length = len(v)
	case []string:
		length = len(v)
	default:
		return fmt.Errorf("parameter %q: length constraint applies to strings and lists", name)
	}
	if c.Min != nil && length < *c.Min {
		return fmt.Errorf("parameter %q: length %d is less than minimum %d", name, length, *c.Min)
	}
	if c.Max != nil && length > *c.Max {
		return fmt.Errorf("parameter %q: length %d exceeds maximum %d", name, length, *c.Max)
	}
	return nil
}

// RangeConstraint bounds a numeric value.
type RangeConstraint struct {
	Min *float64
	Max *float64
}

func (c RangeConstraint) Validate(name string, value interface{}) error {
	num, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("parameter %q: range constraint applies to numbers", name)
	}
	if c.Min != nil && num < *c.Min {
		return fmt.Errorf("parameter %q: value %v is less than minimum %v", name, num, *c.Min)
	}
	if c.Max != nil && num > *c.Max {
		return fmt.Errorf("parameter %q: value %v exceeds maximum %v", name, num, *c.Max)
	}
	return nil
}

// AllowedValuesConstraint restricts a value to an enumerated set.
type AllowedValuesConstraint struct {
	Values []interface{}
}

func (c AllowedValuesConstraint) Validate(name string, value interface{}) error {
	for _, allowed := range c.Values {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return nil
		}
	}
	return fmt.Errorf("parameter %q: value %v is not an allowed value", name, value)
}

// AllowedPatternConstraint restricts a string value to a regular expression.
// The pattern is anchored to the full value.
type AllowedPatternConstraint struct {
	Pattern string
	re      *regexp.Regexp
}

func (c AllowedPatternConstraint) Validate(name string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("parameter %q: allowed_pattern constraint applies to strings", name)
	}
	if !c.re.MatchString(s) {
		return fmt.Errorf("parameter %q: value does not match pattern %q", name, c.Pattern)
	}
	return nil
}

// CustomConstraintFunc validates a value for a named custom constraint.
type CustomConstraintFunc func(value interface{}) error

var (
	customConstraintsMu sync.RWMutex
	customConstraints   = make(map[string]CustomConstraintFunc)
)

// RegisterCustomConstraint registers a named custom constraint validator.
// The config layer registers Starlark-backed predicates here at startup.
func RegisterCustomConstraint(name string, fn CustomConstraintFunc) {
	customConstraintsMu.Lock()
	defer customConstraintsMu.Unlock()
	customConstraints[name] = fn
}

// LookupCustomConstraint returns the validator registered under name.
func LookupCustomConstraint(name string) (CustomConstraintFunc, bool) {
	customConstraintsMu.RLock()
	defer customConstraintsMu.RUnlock()
	fn, ok := customConstraints[name]
	return fn, ok
}

// CustomConstraint defers to a registered named validator.
type CustomConstraint struct {
	Name string
}

func (c CustomConstraint) Validate(name string, value interface{}) error {
	fn, ok := LookupCustomConstraint(c.Name)
	if !ok {
		return fmt.Errorf("parameter %q: unknown custom constraint %q", name, c.Name)
	}
	if err := fn(value); err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	return nil
}

var knownParameterKeys = map[string]bool{
	"type":        true,
	"label":       true,
	"description": true,
	"default":     true,
	"hidden":      true,
	"immutable":   true,
	"constraints": true,
}

func parseParameterSchema(name string, v interface{}) (*ParameterSchema, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a mapping", name)
	}
	for key := range m {
		if !knownParameterKeys[key] {
			return nil, fmt.Errorf("parameter %q: unknown key %q", name, key)
		}
	}

	schema := &ParameterSchema{Name: name}

	typ, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("parameter %q: missing type", name)
	}
	switch ParameterType(typ) {
	case TypeString, TypeNumber, TypeCommaDelimitedList, TypeJSON, TypeBoolean:
		schema.Type = ParameterType(typ)
	default:
		return nil, fmt.Errorf("parameter %q: invalid type %q", name, typ)
	}

	if label, ok := m["label"].(string); ok {
		schema.Label = label
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if def, ok := m["default"]; ok {
		schema.Default = def
		schema.HasDefault = true
	}
	if hidden, ok := m["hidden"]; ok {
		b, ok := hidden.(bool)
		if !ok {
			return nil, fmt.Errorf("parameter %q: hidden must be a boolean", name)
		}
		schema.Hidden = b
	}
	if immutable, ok := m["immutable"]; ok {
		b, ok := immutable.(bool)
		if !ok {
			return nil, fmt.Errorf("parameter %q: immutable must be a boolean", name)
		}
		schema.Immutable = b
	}

	if raw, ok := m["constraints"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("parameter %q: constraints must be a list", name)
		}
		for i, entry := range list {
			constraint, err := parseConstraint(name, i, entry)
			if err != nil {
				return nil, err
			}
			schema.Constraints = append(schema.Constraints, constraint)
		}
	}

	return schema, nil
}

func parseConstraint(param string, idx int, v interface{}) (Constraint, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q: constraint %d must be a mapping", param, idx)
	}

	if spec, ok := m["length"]; ok {
		bounds, ok := spec.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("parameter %q: length constraint must be a mapping with min/max", param)
		}
		c := LengthConstraint{}
		if min, ok := bounds["min"]; ok {
			n, ok := toInt(min)
			if !ok {
				return nil, fmt.Errorf("parameter %q: length min must be an integer", param)
			}
			c.Min = &n
		}
		if max, ok := bounds["max"]; ok {
			n, ok := toInt(max)
			if !ok {
				return nil, fmt.Errorf("parameter %q: length max must be an integer", param)
			}
			c.Max = &n
		}
		return c, nil
	}

	if spec, ok := m["range"]; ok {
		bounds, ok := spec.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("parameter %q: range constraint must be a mapping with min/max", param)
		}
		c := RangeConstraint{}
		if min, ok := bounds["min"]; ok {
			f, ok := toFloat(min)
			if !ok {
				return nil, fmt.Errorf("parameter %q: range min must be a number", param)
			}
			c.Min = &f
		}
		if max, ok := bounds["max"]; ok {
			f, ok := toFloat(max)
			if !ok {
				return nil, fmt.Errorf("parameter %q: range max must be a number", param)
			}
			c.Max = &f
		}
		return c, nil
	}

	if spec, ok := m["allowed_values"]; ok {
		values, ok := spec.([]interface{})
		if !ok {
			return nil, fmt.Errorf("parameter %q: allowed_values must be a list", param)
		}
		return AllowedValuesConstraint{Values: values}, nil
	}

	if spec, ok := m["allowed_pattern"]; ok {
		pattern, ok := spec.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q: allowed_pattern must be a string", param)
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("parameter %q: invalid allowed_pattern: %w", param, err)
		}
		return AllowedPatternConstraint{Pattern: pattern, re: re}, nil
	}

	if spec, ok := m["custom_constraint"]; ok {
		name, ok := spec.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q: custom_constraint must be a name", param)
		}
		return CustomConstraint{Name: name}, nil
	}

	return nil, fmt.Errorf("parameter %q: constraint %d has no recognized kind", param, idx)
}

// ResolveParameters coerces and validates user-supplied values against the
// template's parameter schemas. defaults are environment parameter_defaults:
// they fill in missing values but never override explicit ones.
func (t *Template) ResolveParameters(values, defaults map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(t.Parameters))

	for name := range values {
		if _, ok := t.Parameters[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}

	for name, schema := range t.Parameters {
		raw, ok := values[name]
		if !ok {
			raw, ok = defaults[name]
		}
		if !ok {
			if !schema.HasDefault {
				return nil, fmt.Errorf("parameter %q has no value and no default", name)
			}
			raw = schema.Default
		}

		value, err := coerceParameter(schema, raw)
		if err != nil {
			return nil, err
		}
		for _, constraint := range schema.Constraints {
			if err := constraint.Validate(name, value); err != nil {
				return nil, err
			}
		}
		resolved[name] = value
	}

	return resolved, nil
}

func coerceParameter(schema *ParameterSchema, raw interface{}) (interface{}, error) {
	name := schema.Name
	switch schema.Type {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case int, int64, float64, bool:
			return fmt.Sprintf("%v", v), nil
		}
		return nil, fmt.Errorf("parameter %q: expected a string", name)

	case TypeNumber:
		if f, ok := toFloat(raw); ok {
			return f, nil
		}
		if s, ok := raw.(string); ok {
			f, err := strconv.ParseFloat(s, 64)
			if err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("parameter %q: expected a number", name)

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(v))
			if err == nil {
				return b, nil
			}
		}
		return nil, fmt.Errorf("parameter %q: expected a boolean", name)

	case TypeCommaDelimitedList:
		switch v := raw.(type) {
		case string:
			if v == "" {
				return []interface{}{}, nil
			}
			parts := strings.Split(v, ",")
			out := make([]interface{}, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			return out, nil
		case []interface{}:
			return v, nil
		}
		return nil, fmt.Errorf("parameter %q: expected a comma-delimited string or list", name)

	case TypeJSON:
		switch v := raw.(type) {
		case map[string]interface{}, []interface{}:
			return v, nil
		case string:
			var parsed interface{}
			if err := json.Unmarshal([]byte(v), &parsed); err != nil {
				return nil, fmt.Errorf("parameter %q: invalid JSON: %w", name, err)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("parameter %q: expected a JSON object, list or string", name)
	}

	return nil, fmt.Errorf("parameter %q: unhandled type %q", name, schema.Type)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
