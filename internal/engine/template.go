package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// TemplateResolver replaces ${path.to.value} placeholders in node configs
// against a merged data view. In strict mode an unresolved variable is a
// configuration error; otherwise it falls back to the configured default.
type TemplateResolver struct {
	Strict  bool
	Default string
}

// BuildView assembles the merged view a node's templates resolve against:
// contextData keys at the top level plus the reserved roots input, context
// and nodes (dependency outputs keyed by node id). Extra bindings, such as
// a loop's item and index, are layered on last and win.
func BuildView(input, contextData map[string]any, nodeOutputs map[string]any, extra map[string]any) map[string]any {
	view := make(map[string]any, len(contextData)+len(extra)+3)
	for k, v := range contextData {
		view[k] = v
	}
	view["input"] = input
	view["context"] = contextData
	view["nodes"] = nodeOutputs
	for k, v := range extra {
		view[k] = v
	}
	return view
}

// Resolve walks value recursively, substituting placeholders in strings and
// descending into maps and slices. A string that is exactly one placeholder
// resolves to the underlying value with its type preserved.
func (t *TemplateResolver) Resolve(value any, view map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return t.resolveString(v, view)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			r, err := t.Resolve(elem, view)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			r, err := t.Resolve(elem, view)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveConfig is Resolve specialized to a node config map.
func (t *TemplateResolver) ResolveConfig(config map[string]any, view map[string]any) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	resolved, err := t.Resolve(config, view)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (t *TemplateResolver) resolveString(s string, view map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		val, ok, err := t.lookup(path, view)
		if err != nil {
			return nil, err
		}
		if !ok {
			if t.Strict {
				return nil, configurationError("unresolved template variable: %s", path)
			}
			return t.Default, nil
		}
		return val, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		val, ok, err := t.lookup(path, view)
		if err != nil {
			return nil, err
		}
		if !ok {
			if t.Strict {
				return nil, configurationError("unresolved template variable: %s", path)
			}
			sb.WriteString(t.Default)
		} else {
			sb.WriteString(fmt.Sprint(val))
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func (t *TemplateResolver) lookup(path string, view map[string]any) (any, bool, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, false, configurationError("invalid template path %q: %v", path, err)
	}
	results := expr.Get(view)
	if len(results) == 0 {
		return nil, false, nil
	}
	return results[0], true, nil
}
