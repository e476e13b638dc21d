// Package models provides condition evaluation for workflow connections.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a connection condition against the outputs of
// already-finished nodes. The language is deliberately small:
//
//	""                 -> true
//	"true" / "false"   -> literal booleans
//	"node.field"       -> truthiness of an upstream output field
//	"lhs == rhs"       -> string equality, either side may be a reference
//	"lhs != rhs"       -> string inequality
func EvaluateCondition(condition string, outputs map[string]map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	if op := conditionOperator(condition); op != "" {
		parts := strings.SplitN(condition, op, 2)

		lhs := resolveConditionTerm(strings.TrimSpace(parts[0]), outputs)
		rhs := resolveConditionTerm(strings.TrimSpace(parts[1]), outputs)

		if op == "==" {
			return lhs == rhs, nil
		}

		return lhs != rhs, nil
	}

	if parsed, err := strconv.ParseBool(condition); err == nil {
		return parsed, nil
	}

	value, found := lookupOutput(condition, outputs)
	if !found {
		return false, fmt.Errorf("condition %q references unknown output", condition)
	}

	return truthy(value), nil
}

func conditionOperator(condition string) string {
	if strings.Contains(condition, "!=") {
		return "!="
	}

	if strings.Contains(condition, "==") {
		return "=="
	}

	return ""
}

func resolveConditionTerm(term string, outputs map[string]map[string]any) string {
	term = strings.Trim(term, `"'`)

	if value, found := lookupOutput(term, outputs); found {
		return fmt.Sprintf("%v", value)
	}

	return term
}

func lookupOutput(ref string, outputs map[string]map[string]any) (any, bool) {
	nodeID, field, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, false
	}

	nodeOutput, exists := outputs[nodeID]
	if !exists {
		return nil, false
	}

	value, exists := nodeOutput[field]

	return value, exists
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}
