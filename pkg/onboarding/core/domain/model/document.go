package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is the JSON context an execution carries from state to state.
// Paths use the "$.a.b[0]" form; "$" addresses the whole document.
type Document map[string]interface{}

type pathSegment struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) ([]pathSegment, error) {
	if path == "$" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, fmt.Errorf("invalid path '%s': must start with '$.'", path)
	}
	var segs []pathSegment
	for _, part := range strings.Split(path[2:], ".") {
		name := part
		var idxs []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			name = part[:open]
			rest := part[open:]
			for rest != "" {
				end := strings.IndexByte(rest, ']')
				if rest[0] != '[' || end < 0 {
					return nil, fmt.Errorf("invalid path '%s': malformed index", path)
				}
				i, err := strconv.Atoi(rest[1:end])
				if err != nil || i < 0 {
					return nil, fmt.Errorf("invalid path '%s': bad index '%s'", path, rest[1:end])
				}
				idxs = append(idxs, i)
				rest = rest[end+1:]
			}
		}
		if name == "" {
			return nil, fmt.Errorf("invalid path '%s': empty segment", path)
		}
		segs = append(segs, pathSegment{key: name})
		for _, i := range idxs {
			segs = append(segs, pathSegment{index: i, isIdx: true})
		}
	}
	return segs, nil
}

// Get returns the value at path.
func (d Document) Get(path string) (interface{}, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(d)
	for _, seg := range segs {
		if seg.isIdx {
			list, ok := cur.([]interface{})
			if !ok || seg.index >= len(list) {
				return nil, false
			}
			cur = list[seg.index]
			continue
		}
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg.key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// IsPresent reports whether path resolves to a value, like a Choice rule's isPresent.
func (d Document) IsPresent(path string) bool {
	_, ok := d.Get(path)
	return ok
}

// GetString returns the string at path, or "" when absent or not a string.
func (d Document) GetString(path string) string {
	v, ok := d.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Put stores value at path, creating intermediate objects. Index segments are not supported.
func (d Document) Put(path string, value interface{}) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("cannot replace the root document")
	}
	cur := map[string]interface{}(d)
	for i, seg := range segs {
		if seg.isIdx {
			return fmt.Errorf("invalid path '%s': index segments cannot be written", path)
		}
		if i == len(segs)-1 {
			cur[seg.key] = normalize(value)
			return nil
		}
		next, ok := asMap(cur[seg.key])
		if !ok {
			next = make(map[string]interface{})
			cur[seg.key] = next
		}
		cur = next
	}
	return nil
}

// Delete removes the value at path if present.
func (d Document) Delete(path string) {
	segs, err := parsePath(path)
	if err != nil || len(segs) == 0 {
		return
	}
	cur := map[string]interface{}(d)
	for i, seg := range segs {
		if seg.isIdx {
			return
		}
		if i == len(segs)-1 {
			delete(cur, seg.key)
			return
		}
		next, ok := asMap(cur[seg.key])
		if !ok {
			return
		}
		cur = next
	}
}

// Decode converts the value at path into target through JSON.
func (d Document) Decode(path string, target interface{}) error {
	v, ok := d.Get(path)
	if !ok {
		return fmt.Errorf("path '%s' not present", path)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out, _ := normalize(map[string]interface{}(d)).(map[string]interface{})
	return Document(out)
}

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *Document) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = Document{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Document", src)
	}
	m := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
	}
	*d = Document(m)
	return nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return map[string]interface{}(m), true
	}
	return nil, false
}

// normalize turns structs and typed values into plain JSON values so that paths can traverse them.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, float64, json.Number:
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case Document:
		return normalize(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
