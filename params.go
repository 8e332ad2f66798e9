package mlflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// DefaultSep joins the keys of nested parameters.
const DefaultSep = "_"

// Entry is one key of a Tree. Value is either a scalar or a nested mapping
// (a Tree, or a map[string]any which is walked in sorted key order).
type Entry struct {
	Key   string
	Value any
}

// Tree is a nested mapping of parameters that keeps the order of its keys.
type Tree []Entry

// Flatten joins the keys of t with sep, walking depth first.
// Flattening an already flat tree returns an equal tree.
func Flatten(t Tree, sep string) Tree {
	return FlattenUnder(t, "", sep)
}

// FlattenUnder is Flatten with every key prefixed by parentKey and sep.
//
// If two paths join to the same key the last value wins, at the position
// where the key first appeared.
func FlattenUnder(t Tree, parentKey, sep string) Tree {
	out := make(Tree, 0, len(t))
	index := make(map[string]int, len(t))
	flattenInto(&out, index, t, parentKey, sep)
	return out
}

func flattenInto(out *Tree, index map[string]int, t Tree, parentKey, sep string) {
	for _, e := range t {
		key := e.Key
		if parentKey != "" {
			key = parentKey + sep + e.Key
		}
		if sub, ok := asTree(e.Value); ok {
			flattenInto(out, index, sub, key, sep)
			continue
		}
		if i, ok := index[key]; ok {
			(*out)[i].Value = e.Value
			continue
		}
		index[key] = len(*out)
		*out = append(*out, Entry{Key: key, Value: e.Value})
	}
}

func asTree(v any) (Tree, bool) {
	switch v := v.(type) {
	case Tree:
		return v, true
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := make(Tree, len(keys))
		for i, k := range keys {
			t[i] = Entry{Key: k, Value: v[k]}
		}
		return t, true
	}
	return nil, false
}

// Get returns the value stored directly under key.
func (t Tree) Get(key string) (any, bool) {
	for _, e := range t {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// LeafCount counts the scalar values of t, recursively.
func (t Tree) LeafCount() int {
	n := 0
	for _, e := range t {
		if sub, ok := asTree(e.Value); ok {
			n += sub.LeafCount()
		} else {
			n++
		}
	}
	return n
}

// Params converts the top level of t to params. Nested values are
// formatted as JSON, so flatten first to get one param per leaf.
func (t Tree) Params() ([]Param, error) {
	params := make([]Param, 0, len(t))
	for _, e := range t {
		var val string
		if sub, ok := asTree(e.Value); ok {
			b, err := sub.MarshalJSON()
			if err != nil {
				return nil, err
			}
			val = string(b)
		} else {
			val = FormatValue(e.Value)
		}
		params = append(params, Param{Key: e.Key, Val: val})
	}
	return params, nil
}

// FormatValue renders a scalar the way the Python client stores it.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case string:
		return v
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(v, 64)
	case float32:
		return formatFloat(float64(v), 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f == math.Trunc(f) && math.Abs(f) < 1e16:
		return strconv.FormatFloat(f, 'f', 1, bitSize)
	}
	return strconv.FormatFloat(f, 'g', -1, bitSize)
}

// Struct converts t to a protobuf Struct. Key order is not kept.
func (t Tree) Struct() (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(t))
	for _, e := range t {
		v, err := toValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", e.Key, err)
		}
		fields[e.Key] = v
	}
	return &structpb.Struct{Fields: fields}, nil
}

func toValue(v any) (*structpb.Value, error) {
	if sub, ok := asTree(v); ok {
		s, err := sub.Struct()
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	if list, ok := v.([]any); ok {
		values := make([]*structpb.Value, len(list))
		for i, item := range list {
			val, err := toValue(item)
			if err != nil {
				return nil, err
			}
			values[i] = val
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	}
	return structpb.NewValue(v)
}

// MarshalJSON encodes t as a compact JSON object with keys in the order
// of t, so the same tree always gives the same bytes.
func (t Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t Tree) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, e := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeJSONValue(buf, e.Value); err != nil {
			return fmt.Errorf("param %q: %w", e.Key, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	if sub, ok := asTree(v); ok {
		return sub.writeJSON(buf)
	}
	if list, ok := v.([]any); ok {
		buf.WriteByte('[')
		for i, item := range list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	// Scalars go through structpb so numbers are written the same way
	// whatever their Go type.
	val, err := structpb.NewValue(v)
	if err != nil {
		return err
	}
	var b []byte
	if n, ok := val.Kind.(*structpb.Value_NumberValue); ok {
		b, err = json.Marshal(metricValue(n.NumberValue))
	} else {
		b, err = json.Marshal(val.AsInterface())
	}
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// UnmarshalYAML decodes a YAML mapping keeping the order of its keys.
func (t *Tree) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of parameters", node.Line)
	}
	out := make(Tree, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		if valNode.Kind == yaml.AliasNode {
			valNode = valNode.Alias
		}
		var val any
		if valNode.Kind == yaml.MappingNode {
			var sub Tree
			if err := sub.UnmarshalYAML(valNode); err != nil {
				return err
			}
			val = sub
		} else if err := valNode.Decode(&val); err != nil {
			return err
		}
		out = append(out, Entry{Key: keyNode.Value, Value: val})
	}
	*t = out
	return nil
}

// LogTreeAsParams flattens t with sep and logs the leaves as params.
func LogTreeAsParams(run Run, t Tree, sep string) error {
	params, err := Flatten(t, sep).Params()
	if err != nil {
		return err
	}
	return run.LogParams(params)
}

// LogNestedParam logs the whole of t as a single JSON valued param.
// Keys keep the order of t.
func LogNestedParam(run Run, key string, t Tree) error {
	b, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding param %q: %w", key, err)
	}
	return run.LogParam(key, string(b))
}
