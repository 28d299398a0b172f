package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Tree is the raw configuration: named sections of nested maps, lists and
// scalars exactly as they appear in the YAML file.
type Tree map[string]any

var ErrNotFound = errors.New("config key not found")

// Merge returns a new tree with override applied on top of base.
//
// When both sides hold a map under the same key the maps are merged key by
// key; any other value in override replaces the base value wholesale (lists
// included). Neither input is modified.
func Merge(base, override Tree) Tree {
	out := Clone(base)
	if out == nil {
		out = Tree{}
	}
	for k, v := range override {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func mergeValue(base, override any) any {
	bm, okB := asMap(base)
	om, okO := asMap(override)
	if !okB || !okO {
		return cloneValue(override)
	}
	out := make(map[string]any, len(bm)+len(om))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range om {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

// Clone deep-copies t. Maps and lists are copied, scalars are shared.
func Clone(t Tree) Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Tree:
		return map[string]any(Clone(x))
	case map[string]any:
		return map[string]any(Clone(Tree(x)))
	case map[any]any:
		return cloneValue(normalizeYAML(x))
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case Tree:
		return x, true
	case map[string]any:
		return x, true
	case map[any]any:
		m, ok := normalizeYAML(x).(map[string]any)
		return m, ok
	default:
		return nil, false
	}
}

// Section returns the map stored under name, or an empty map.
func (t Tree) Section(name string) map[string]any {
	m, ok := asMap(t[name])
	if !ok {
		return map[string]any{}
	}
	return m
}

// Value resolves a dotted path such as "reading.target_duration".
func (t Tree) Value(path string) (any, error) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	var cur any = map[string]any(t)
	for _, k := range keys {
		m, ok := asMap(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		v, ok := m[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		cur = v
	}
	return cur, nil
}

// Lookup is Value with a default for missing keys.
func (t Tree) Lookup(path string, def any) any {
	v, err := t.Value(path)
	if err != nil || v == nil {
		return def
	}
	return v
}

// With returns a copy of t with path set to v. Intermediate maps are created
// as needed; a scalar in the way is replaced by a map.
func (t Tree) With(path string, v any) (Tree, error) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	var override any = v
	for i := len(keys) - 1; i >= 0; i-- {
		override = map[string]any{keys[i]: override}
	}
	return Merge(t, Tree(override.(map[string]any))), nil
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChangedSections lists the top-level sections whose content differs.
func ChangedSections(oldT, newT Tree) []string {
	seen := make(map[string]struct{}, len(oldT)+len(newT))
	var changed []string
	for k := range oldT {
		seen[k] = struct{}{}
	}
	for k := range newT {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if !reflect.DeepEqual(normalizeYAML(oldT[k]), normalizeYAML(newT[k])) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
