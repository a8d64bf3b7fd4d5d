package settings

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Change is one entry in a structural diff between two snapshots.
type Change struct {
	Path string `json:"path"`
	Op   string `json:"op"` // added, removed, changed
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Diff computes the structural difference between two JSON snapshots.
// Nested objects are walked; arrays are compared as whole values.
func Diff(oldDoc, newDoc json.RawMessage) ([]Change, error) {
	var oldVal, newVal any
	if len(oldDoc) > 0 {
		if err := json.Unmarshal(oldDoc, &oldVal); err != nil {
			return nil, fmt.Errorf("invalid old snapshot: %w", err)
		}
	}
	if len(newDoc) > 0 {
		if err := json.Unmarshal(newDoc, &newVal); err != nil {
			return nil, fmt.Errorf("invalid new snapshot: %w", err)
		}
	}

	var changes []Change
	diffValue("", oldVal, newVal, &changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func diffValue(path string, oldVal, newVal any, out *[]Change) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, out)
		return
	}
	if reflect.DeepEqual(oldVal, newVal) {
		return
	}
	switch {
	case oldVal == nil:
		*out = append(*out, Change{Path: path, Op: "added", New: newVal})
	case newVal == nil:
		*out = append(*out, Change{Path: path, Op: "removed", Old: oldVal})
	default:
		*out = append(*out, Change{Path: path, Op: "changed", Old: oldVal, New: newVal})
	}
}

func diffMaps(path string, oldMap, newMap map[string]any, out *[]Change) {
	for key, oldVal := range oldMap {
		child := joinPath(path, key)
		if newVal, ok := newMap[key]; ok {
			diffValue(child, oldVal, newVal, out)
		} else {
			*out = append(*out, Change{Path: child, Op: "removed", Old: oldVal})
		}
	}
	for key, newVal := range newMap {
		if _, ok := oldMap[key]; !ok {
			*out = append(*out, Change{Path: joinPath(path, key), Op: "added", New: newVal})
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
