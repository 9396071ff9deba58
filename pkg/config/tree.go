package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tree is the nested key/value form of the configuration.
type Tree map[string]any

// Merge returns a new tree holding base with override applied on top.
// Object-valued keys merge recursively depth-first; scalars and arrays in
// override replace the base value wholesale. Neither input is modified.
func Merge(base, override Tree) Tree {
	out := base.Clone()
	if out == nil {
		out = Tree{}
	}
	for k, ov := range override {
		if om, ok := asTree(ov); ok {
			bm, _ := asTree(out[k])
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = cloneValue(ov)
	}
	return out
}

// Clone deep-copies the nested maps and slices of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = cloneValue(v)
	}
	return out
}

// Get resolves a dotted path. Missing segments, or descending through a
// non-object value, report absent instead of failing.
func (t Tree) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = t
	for _, part := range parts {
		m, ok := asTree(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at a dotted path, creating intermediate objects as needed.
// An intermediate scalar in the way is replaced by an object.
func (t Tree) Set(path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	cur := t
	for _, part := range parts[:len(parts)-1] {
		next, ok := asTree(cur[part])
		if !ok {
			next = Tree{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("config: empty path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("config: malformed path %q", path)
		}
	}
	return parts, nil
}

// asTree normalizes the object forms produced by JSON and YAML decoding.
func asTree(v any) (Tree, bool) {
	switch m := v.(type) {
	case Tree:
		return m, true
	case map[string]any:
		return Tree(m), true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Tree:
		return t.Clone()
	case map[string]any:
		return Tree(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ToTree converts the typed schema into its tree form.
func ToTree(c Config) Tree {
	raw, err := json.Marshal(c)
	if err != nil {
		// Config holds only plain JSON types.
		panic(fmt.Sprintf("config: marshal defaults: %v", err))
	}
	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		panic(fmt.Sprintf("config: unmarshal defaults: %v", err))
	}
	return normalize(t)
}

// FromTree decodes a tree onto the defaults.
func FromTree(t Tree) (Config, error) {
	c := Defaults()
	raw, err := json.Marshal(t)
	if err != nil {
		return c, fmt.Errorf("config: marshal tree: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Defaults(), fmt.Errorf("config: decode tree: %w", err)
	}
	return c, nil
}

// normalize rewrites nested map[string]any into Tree.
func normalize(t Tree) Tree {
	for k, v := range t {
		if m, ok := asTree(v); ok {
			t[k] = normalize(m)
		}
	}
	return t
}
