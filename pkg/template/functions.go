package template

import (
	"crypto/md5"  //nolint:gosec // digest intrinsic supports weak algorithms for compatibility
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Intrinsic function names.
const (
	fnGetParam    = "get_param"
	fnGetResource = "get_resource"
	fnGetAttr     = "get_attr"
	fnGetFile     = "get_file"
	fnListJoin    = "list_join"
	fnStrReplace  = "str_replace"
	fnStrSplit    = "str_split"
	fnRepeat      = "repeat"
	fnDigest      = "digest"
	fnMapMerge    = "map_merge"
	fnMapReplace  = "map_replace"
	fnIf          = "if"

	// Condition functions, valid in the conditions section and as the
	// first argument of if.
	fnEquals = "equals"
	fnNot    = "not"
	fnAnd    = "and"
	fnOr     = "or"
)

var intrinsicNames = map[string]bool{
	fnGetParam: true, fnGetResource: true, fnGetAttr: true, fnGetFile: true,
	fnListJoin: true, fnStrReplace: true, fnStrSplit: true, fnRepeat: true,
	fnDigest: true, fnMapMerge: true, fnMapReplace: true, fnIf: true,
}

var conditionFnNames = map[string]bool{
	fnEquals: true, fnNot: true, fnAnd: true, fnOr: true, fnGetParam: true,
}

// intrinsicCall reports whether a mapping is an intrinsic function call:
// a single-key map whose key is a known function name.
func intrinsicCall(m map[string]interface{}) (string, interface{}, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for key, arg := range m {
		if intrinsicNames[key] {
			return key, arg, true
		}
	}
	return "", nil, false
}

// ResolveContext supplies the runtime values intrinsic functions draw from.
// ResourceRef and ResourceAttr are nil during validation-only resolution;
// the engine wires them to live resources during traversal.
type ResolveContext struct {
	StackName  string
	StackID    string
	Parameters map[string]interface{}

	// Files maps get_file keys to file contents, populated by the caller
	// from the template's file bundle.
	Files map[string]string

	// Conditions holds evaluated condition values, from EvaluateConditions.
	Conditions map[string]bool

	// lookupCondition overrides Conditions during EvaluateConditions so
	// conditions can reference each other regardless of declaration order.
	lookupCondition func(name string) (bool, error)

	// ResourceRef resolves get_resource to a physical resource ID.
	ResourceRef func(name string) (interface{}, error)

	// ResourceAttr resolves get_attr against a live resource.
	ResourceAttr func(name string, path []interface{}) (interface{}, error)
}

// Resolve resolves all intrinsic function calls in a value tree.
func Resolve(v interface{}, rc *ResolveContext) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if name, arg, ok := intrinsicCall(val); ok {
			return resolveFunction(name, arg, rc)
		}
		out := make(map[string]interface{}, len(val))
		for key, sub := range val {
			resolved, err := Resolve(sub, rc)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			resolved, err := Resolve(sub, rc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveFunction(name string, arg interface{}, rc *ResolveContext) (interface{}, error) {
	switch name {
	case fnGetParam:
		return resolveGetParam(arg, rc)
	case fnGetResource:
		return resolveGetResource(arg, rc)
	case fnGetAttr:
		return resolveGetAttr(arg, rc)
	case fnGetFile:
		return resolveGetFile(arg, rc)
	case fnListJoin:
		return resolveListJoin(arg, rc)
	case fnStrReplace:
		return resolveStrReplace(arg, rc)
	case fnStrSplit:
		return resolveStrSplit(arg, rc)
	case fnRepeat:
		return resolveRepeat(arg, rc)
	case fnDigest:
		return resolveDigest(arg, rc)
	case fnMapMerge:
		return resolveMapMerge(arg, rc)
	case fnMapReplace:
		return resolveMapReplace(arg, rc)
	case fnIf:
		return resolveIf(arg, rc)
	}
	return nil, fmt.Errorf("unknown intrinsic function %q", name)
}

func resolveGetParam(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}

	var path []interface{}
	switch a := resolved.(type) {
	case string:
		path = []interface{}{a}
	case []interface{}:
		path = a
	default:
		return nil, fmt.Errorf("get_param: argument must be a parameter name or path list")
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("get_param: empty argument")
	}

	name, ok := path[0].(string)
	if !ok {
		return nil, fmt.Errorf("get_param: parameter name must be a string")
	}

	var value interface{}
	switch name {
	case PseudoStackName:
		value = rc.StackName
	case PseudoStackID:
		value = rc.StackID
	default:
		value, ok = rc.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("get_param: parameter %q has no value", name)
		}
	}

	return traversePath(name, value, path[1:])
}

// traversePath walks nested map keys and list indexes in a get_param or
// get_attr path.
func traversePath(name string, value interface{}, path []interface{}) (interface{}, error) {
	for _, step := range path {
		switch container := value.(type) {
		case map[string]interface{}:
			key := fmt.Sprintf("%v", step)
			sub, ok := container[key]
			if !ok {
				return nil, fmt.Errorf("%q: key %q not found", name, key)
			}
			value = sub
		case []interface{}:
			idx, ok := toInt(step)
			if !ok {
				return nil, fmt.Errorf("%q: list index %v is not an integer", name, step)
			}
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("%q: list index %d out of range", name, idx)
			}
			value = container[idx]
		default:
			return nil, fmt.Errorf("%q: cannot index %T with %v", name, value, step)
		}
	}
	return value, nil
}

func resolveGetResource(arg interface{}, rc *ResolveContext) (interface{}, error) {
	name, ok := arg.(string)
	if !ok {
		return nil, fmt.Errorf("get_resource: argument must be a resource name")
	}
	if rc.ResourceRef == nil {
		return nil, fmt.Errorf("get_resource: resource %q not available in this context", name)
	}
	return rc.ResourceRef(name)
}

func resolveGetAttr(arg interface{}, rc *ResolveContext) (interface{}, error) {
	list, ok := arg.([]interface{})
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("get_attr: argument must be [resource, attribute, ...]")
	}
	name, ok := list[0].(string)
	if !ok {
		return nil, fmt.Errorf("get_attr: resource name must be a string")
	}
	if rc.ResourceAttr == nil {
		return nil, fmt.Errorf("get_attr: resource %q not available in this context", name)
	}

	path := make([]interface{}, 0, len(list)-1)
	for _, step := range list[1:] {
		resolved, err := Resolve(step, rc)
		if err != nil {
			return nil, err
		}
		path = append(path, resolved)
	}
	return rc.ResourceAttr(name, path)
}

func resolveGetFile(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}
	key, ok := resolved.(string)
	if !ok {
		return nil, fmt.Errorf("get_file: argument must be a string")
	}
	content, ok := rc.Files[key]
	if !ok {
		return nil, fmt.Errorf("get_file: no content supplied for %q", key)
	}
	return content, nil
}

func resolveListJoin(arg interface{}, rc *ResolveContext) (interface{}, error) {
	list, ok := arg.([]interface{})
	if !ok || len(list) < 2 {
		return nil, fmt.Errorf("list_join: argument must be [delimiter, list, ...]")
	}

	delimRaw, err := Resolve(list[0], rc)
	if err != nil {
		return nil, err
	}
	delim, ok := delimRaw.(string)
	if !ok {
		return nil, fmt.Errorf("list_join: delimiter must be a string")
	}

	var parts []string
	for _, rawItems := range list[1:] {
		resolved, err := Resolve(rawItems, rc)
		if err != nil {
			return nil, err
		}
		items, ok := resolved.([]interface{})
		if !ok {
			return nil, fmt.Errorf("list_join: expected a list, got %T", resolved)
		}
		for _, item := range items {
			s, err := stringifyJoinItem(item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
	}

	return strings.Join(parts, delim), nil
}

// stringifyJoinItem renders a list_join element: strings pass through,
// scalars format naturally, maps and lists serialize as JSON.
func stringifyJoinItem(item interface{}) (string, error) {
	switch v := item.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("list_join: cannot serialize item: %w", err)
		}
		return string(encoded), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func resolveStrReplace(arg interface{}, rc *ResolveContext) (interface{}, error) {
	m, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("str_replace: argument must be a mapping with template and params")
	}
	tmplRaw, err := Resolve(m["template"], rc)
	if err != nil {
		return nil, err
	}
	tmpl, ok := tmplRaw.(string)
	if !ok {
		return nil, fmt.Errorf("str_replace: template must be a string")
	}
	paramsRaw, err := Resolve(m["params"], rc)
	if err != nil {
		return nil, err
	}
	params, ok := paramsRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("str_replace: params must be a mapping")
	}

	// Longer keys replace first so overlapping placeholders behave
	// deterministically.
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	result := tmpl
	for _, key := range keys {
		repl, err := stringifyJoinItem(params[key])
		if err != nil {
			return nil, err
		}
		result = strings.ReplaceAll(result, key, repl)
	}
	return result, nil
}

func resolveStrSplit(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}
	list, ok := resolved.([]interface{})
	if !ok || len(list) < 2 || len(list) > 3 {
		return nil, fmt.Errorf("str_split: argument must be [delimiter, string] or [delimiter, string, index]")
	}
	delim, ok := list[0].(string)
	if !ok {
		return nil, fmt.Errorf("str_split: delimiter must be a string")
	}
	s, ok := list[1].(string)
	if !ok {
		return nil, fmt.Errorf("str_split: value must be a string")
	}

	parts := strings.Split(s, delim)
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}

	if len(list) == 3 {
		idx, ok := toInt(list[2])
		if !ok {
			return nil, fmt.Errorf("str_split: index must be an integer")
		}
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("str_split: index %d out of range", idx)
		}
		return out[idx], nil
	}
	return out, nil
}

func resolveRepeat(arg interface{}, rc *ResolveContext) (interface{}, error) {
	m, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("repeat: argument must be a mapping with template and for_each")
	}
	forEachRaw, err := Resolve(m["for_each"], rc)
	if err != nil {
		return nil, err
	}
	forEach, ok := forEachRaw.(map[string]interface{})
	if !ok || len(forEach) == 0 {
		return nil, fmt.Errorf("repeat: for_each must be a non-empty mapping of placeholder to list")
	}
	tmpl, ok := m["template"]
	if !ok {
		return nil, fmt.Errorf("repeat: missing template")
	}

	vars := make([]string, 0, len(forEach))
	for v := range forEach {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	lists := make([][]interface{}, len(vars))
	for i, v := range vars {
		list, ok := forEach[v].([]interface{})
		if !ok {
			return nil, fmt.Errorf("repeat: for_each value for %q must be a list", v)
		}
		lists[i] = list
	}

	// Cartesian product over all for_each lists, leftmost varying slowest.
	var out []interface{}
	indexes := make([]int, len(vars))
	for {
		bindings := make(map[string]interface{}, len(vars))
		for i, v := range vars {
			if len(lists[i]) == 0 {
				return []interface{}{}, nil
			}
			bindings[v] = lists[i][indexes[i]]
		}
		instance := substituteBindings(tmpl, bindings)
		resolved, err := Resolve(instance, rc)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)

		pos := len(indexes) - 1
		for pos >= 0 {
			indexes[pos]++
			if indexes[pos] < len(lists[pos]) {
				break
			}
			indexes[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return out, nil
}

// substituteBindings replaces repeat placeholders throughout a template
// instance. A string consisting solely of a placeholder keeps the bound
// value's type; otherwise the value is interpolated as a string.
func substituteBindings(v interface{}, bindings map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if bound, ok := bindings[val]; ok {
			return bound
		}
		result := val
		for placeholder, bound := range bindings {
			s, err := stringifyJoinItem(bound)
			if err != nil {
				continue
			}
			result = strings.ReplaceAll(result, placeholder, s)
		}
		return result
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for key, sub := range val {
			newKey := key
			if s, ok := substituteBindings(key, bindings).(string); ok {
				newKey = s
			}
			out[newKey] = substituteBindings(sub, bindings)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = substituteBindings(sub, bindings)
		}
		return out
	default:
		return v
	}
}

func resolveDigest(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}
	list, ok := resolved.([]interface{})
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("digest: argument must be [algorithm, value]")
	}
	algo, ok := list[0].(string)
	if !ok {
		return nil, fmt.Errorf("digest: algorithm must be a string")
	}
	value, ok := list[1].(string)
	if !ok {
		return nil, fmt.Errorf("digest: value must be a string")
	}

	var h hash.Hash
	switch strings.ToLower(algo) {
	case "md5":
		h = md5.New() //nolint:gosec
	case "sha1":
		h = sha1.New() //nolint:gosec
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("digest: unsupported algorithm %q", algo)
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func resolveMapMerge(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}
	list, ok := resolved.([]interface{})
	if !ok {
		return nil, fmt.Errorf("map_merge: argument must be a list of mappings")
	}

	out := make(map[string]interface{})
	for _, item := range list {
		if item == nil {
			continue
		}
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("map_merge: expected a mapping, got %T", item)
		}
		for key, val := range m {
			out[key] = val
		}
	}
	return out, nil
}

func resolveMapReplace(arg interface{}, rc *ResolveContext) (interface{}, error) {
	resolved, err := Resolve(arg, rc)
	if err != nil {
		return nil, err
	}
	list, ok := resolved.([]interface{})
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("map_replace: argument must be [map, replacements]")
	}
	input, ok := list[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("map_replace: first argument must be a mapping")
	}
	repl, ok := list[1].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("map_replace: second argument must be a mapping with keys/values")
	}

	keyRepl := map[string]interface{}{}
	if keys, ok := repl["keys"].(map[string]interface{}); ok {
		keyRepl = keys
	}
	valRepl := map[string]interface{}{}
	if values, ok := repl["values"].(map[string]interface{}); ok {
		valRepl = values
	}

	out := make(map[string]interface{}, len(input))
	for key, val := range input {
		newKey := key
		if mapped, ok := keyRepl[key]; ok {
			s, ok := mapped.(string)
			if !ok {
				return nil, fmt.Errorf("map_replace: replacement key for %q must be a string", key)
			}
			newKey = s
		}
		if _, exists := out[newKey]; exists {
			return nil, fmt.Errorf("map_replace: key replacement collides on %q", newKey)
		}
		if s, ok := val.(string); ok {
			if mapped, ok := valRepl[s]; ok {
				val = mapped
			}
		}
		out[newKey] = val
	}
	return out, nil
}

func resolveIf(arg interface{}, rc *ResolveContext) (interface{}, error) {
	list, ok := arg.([]interface{})
	if !ok || len(list) != 3 {
		return nil, fmt.Errorf("if: argument must be [condition, value_if_true, value_if_false]")
	}

	truth, err := evalConditionValue(list[0], rc)
	if err != nil {
		return nil, fmt.Errorf("if: %w", err)
	}

	// Only the taken branch is resolved so the other branch may reference
	// resources excluded by the same condition.
	if truth {
		return Resolve(list[1], rc)
	}
	return Resolve(list[2], rc)
}

// EvaluateConditions evaluates the conditions section against resolved
// parameters. Conditions may reference each other by name in any order;
// reference cycles are rejected. The result feeds ResolveContext.Conditions
// and resource / output condition gates.
func (t *Template) EvaluateConditions(rc *ResolveContext) (map[string]bool, error) {
	out := make(map[string]bool, len(t.Conditions))
	inProgress := make(map[string]bool)

	scoped := *rc
	var eval func(name string) (bool, error)
	eval = func(name string) (bool, error) {
		if truth, done := out[name]; done {
			return truth, nil
		}
		expr, ok := t.Conditions[name]
		if !ok {
			return false, fmt.Errorf("unknown condition %q", name)
		}
		if inProgress[name] {
			return false, fmt.Errorf("condition %q references itself", name)
		}
		inProgress[name] = true
		truth, err := evalConditionExpr(expr, &scoped)
		inProgress[name] = false
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", name, err)
		}
		out[name] = truth
		return truth, nil
	}
	scoped.lookupCondition = eval

	for name := range t.Conditions {
		if _, err := eval(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// evalConditionValue evaluates the first argument of if: a condition name,
// a boolean, or an inline condition expression.
func evalConditionValue(v interface{}, rc *ResolveContext) (bool, error) {
	if name, ok := v.(string); ok {
		return lookupNamedCondition(name, rc)
	}
	return evalConditionExpr(v, rc)
}

func lookupNamedCondition(name string, rc *ResolveContext) (bool, error) {
	if rc.lookupCondition != nil {
		return rc.lookupCondition(name)
	}
	truth, ok := rc.Conditions[name]
	if !ok {
		return false, fmt.Errorf("unknown condition %q", name)
	}
	return truth, nil
}

func evalConditionExpr(v interface{}, rc *ResolveContext) (bool, error) {
	switch expr := v.(type) {
	case bool:
		return expr, nil
	case string:
		return lookupNamedCondition(expr, rc)
	case map[string]interface{}:
		if len(expr) != 1 {
			return false, fmt.Errorf("condition expression must be a single function call")
		}
		for name, arg := range expr {
			if !conditionFnNames[name] {
				return false, fmt.Errorf("%q is not a condition function", name)
			}
			return evalConditionFn(name, arg, rc)
		}
	}
	return false, fmt.Errorf("invalid condition expression of type %T", v)
}

func evalConditionFn(name string, arg interface{}, rc *ResolveContext) (bool, error) {
	switch name {
	case fnGetParam:
		value, err := resolveGetParam(arg, rc)
		if err != nil {
			return false, err
		}
		return truthy(value), nil

	case fnEquals:
		list, ok := arg.([]interface{})
		if !ok || len(list) != 2 {
			return false, fmt.Errorf("equals: argument must be [left, right]")
		}
		left, err := resolveConditionOperand(list[0], rc)
		if err != nil {
			return false, err
		}
		right, err := resolveConditionOperand(list[1], rc)
		if err != nil {
			return false, err
		}
		return equalValues(left, right), nil

	case fnNot:
		truth, err := evalConditionExpr(arg, rc)
		if err != nil {
			return false, err
		}
		return !truth, nil

	case fnAnd, fnOr:
		list, ok := arg.([]interface{})
		if !ok || len(list) < 2 {
			return false, fmt.Errorf("%s: argument must be a list of at least two conditions", name)
		}
		for _, sub := range list {
			truth, err := evalConditionExpr(sub, rc)
			if err != nil {
				return false, err
			}
			if name == fnAnd && !truth {
				return false, nil
			}
			if name == fnOr && truth {
				return true, nil
			}
		}
		return name == fnAnd, nil
	}
	return false, fmt.Errorf("unknown condition function %q", name)
}

// resolveConditionOperand resolves an equals operand, which may be a
// get_param call or a literal.
func resolveConditionOperand(v interface{}, rc *ResolveContext) (interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		if name, arg, ok := intrinsicCall(m); ok {
			if name != fnGetParam {
				return nil, fmt.Errorf("equals operands may only use get_param")
			}
			return resolveGetParam(arg, rc)
		}
	}
	return v, nil
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && !strings.EqualFold(val, "false")
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// ExtractReferences collects the resource names referenced by get_resource
// and get_attr calls in a value tree. The template layer turns these into
// implicit dependency edges.
func ExtractReferences(v interface{}) []string {
	seen := make(map[string]bool)
	collectReferences(v, seen)

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func collectReferences(v interface{}, seen map[string]bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		if name, arg, ok := intrinsicCall(val); ok {
			switch name {
			case fnGetResource:
				if rname, ok := arg.(string); ok {
					seen[rname] = true
				}
				return
			case fnGetAttr:
				if list, ok := arg.([]interface{}); ok && len(list) > 0 {
					if rname, ok := list[0].(string); ok {
						seen[rname] = true
					}
					for _, sub := range list[1:] {
						collectReferences(sub, seen)
					}
				}
				return
			}
		}
		for _, sub := range val {
			collectReferences(sub, seen)
		}
	case []interface{}:
		for _, sub := range val {
			collectReferences(sub, seen)
		}
	}
}
