package jlap

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

type operation struct {
	Op    string             `json:"op"`
	Path  string             `json:"path"`
	Value stdjson.RawMessage `json:"value,omitempty"`
}

func newOperation(op, path string, v any) operation {
	b, _ := stdjson.Marshal(v)
	return operation{Op: op, Path: path, Value: b}
}

// Diff returns a JSON Patch that turns document a into document b.
// Objects are compared key by key, any other value is replaced
// as a whole.
func Diff(a, b []byte) ([]byte, error) {
	va, err := decodeValue(a)
	if err != nil {
		return nil, err
	}
	vb, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	ops := diffValue(nil, "", va, vb)
	if ops == nil {
		ops = []operation{}
	}
	out, err := stdjson.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	return out, nil
}

func diffValue(ops []operation, path string, a, b any) []operation {
	ma, okA := a.(map[string]any)
	mb, okB := b.(map[string]any)
	if !okA || !okB {
		if !reflect.DeepEqual(a, b) {
			ops = append(ops, newOperation("replace", path, b))
		}
		return ops
	}
	keys := maps.Keys(ma)
	for k := range mb {
		if _, ok := ma[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := path + "/" + escapePointer(k)
		va, inA := ma[k]
		vb, inB := mb[k]
		switch {
		case !inB:
			ops = append(ops, operation{Op: "remove", Path: child})
		case !inA:
			ops = append(ops, newOperation("add", child, vb))
		default:
			ops = diffValue(ops, child, va, vb)
		}
	}
	return ops
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

func decodeValue(b []byte) (any, error) {
	dec := stdjson.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return v, nil
}
