package partition

import (
	"fmt"
	"sort"
	"strconv"
)

// matchRules evaluates the custom rules in ascending priority and returns
// the first enabled match whose target is registered.
func matchRules(s *Settings, attrs map[string]any) (string, bool) {
	rules := make([]Rule, 0, len(s.PartitionRules))
	for _, r := range s.PartitionRules {
		if r.Enabled && s.registered(r.TargetPartition) {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, r := range rules {
		val, ok := attrs[r.Attribute]
		if !ok {
			continue
		}
		if ruleMatches(r, val) {
			return r.TargetPartition, true
		}
	}
	return "", false
}

func ruleMatches(r Rule, val any) bool {
	switch r.Operator {
	case "eq":
		return stringify(val) == stringify(r.Value)
	case "ne":
		return stringify(val) != stringify(r.Value)
	case "in":
		return containsValue(r.Value, val)
	case "not_in":
		return !containsValue(r.Value, val)
	case "gt", "lt", "gte", "lte":
		a, okA := toFloat(val)
		b, okB := toFloat(r.Value)
		if !okA || !okB {
			return false
		}
		switch r.Operator {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func containsValue(set, val any) bool {
	want := stringify(val)
	switch s := set.(type) {
	case []any:
		for _, v := range s {
			if stringify(v) == want {
				return true
			}
		}
	case []string:
		for _, v := range s {
			if v == want {
				return true
			}
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
