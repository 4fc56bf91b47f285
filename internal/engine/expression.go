package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// EvaluateExpression evaluates a condition node's expression against the
// merged data view. Supported forms:
//
//	path                      truthiness of the resolved value
//	!path                     negated truthiness
//	left OP right             OP in == != > >= < <=
//
// Operands are dotted paths, quoted strings, numbers, true/false or null.
func EvaluateExpression(expression string, view map[string]any) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, configurationError("condition expression is empty")
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx > 0 {
			left, err := evalOperand(strings.TrimSpace(expr[:idx]), view)
			if err != nil {
				return false, err
			}
			right, err := evalOperand(strings.TrimSpace(expr[idx+len(op):]), view)
			if err != nil {
				return false, err
			}
			return compare(left, right, op)
		}
	}

	if strings.HasPrefix(expr, "!") {
		v, err := evalOperand(strings.TrimSpace(expr[1:]), view)
		if err != nil {
			return false, err
		}
		return !truthy(v), nil
	}
	v, err := evalOperand(expr, view)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func evalOperand(token string, view map[string]any) (any, error) {
	if token == "" {
		return nil, configurationError("empty operand in condition expression")
	}
	if (strings.HasPrefix(token, "'") && strings.HasSuffix(token, "'")) ||
		(strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`)) {
		return token[1 : len(token)-1], nil
	}
	switch token {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}

	path, err := jp.ParseString(token)
	if err != nil {
		return nil, configurationError("invalid condition operand %q: %v", token, err)
	}
	results := path.Get(view)
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

func compare(left, right any, op string) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls := fmt.Sprint(left)
	rs := fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, configurationError("unsupported comparison operator %q", op)
}

func toFloat(v any) (float64, bool) {
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

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
