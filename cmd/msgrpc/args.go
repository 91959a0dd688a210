package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// parseArgs turns command-line words into call arguments. Each word is
// decoded as JSON; words that are not valid JSON are taken as strings.
func parseArgs(words []string) ([]interface{}, error) {
	out := make([]interface{}, 0, len(words))
	for _, w := range words {
		dec := json.NewDecoder(bytes.NewReader([]byte(w)))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil || dec.More() {
			out = append(out, w)
			continue
		}
		nv, err := normalizeJSON(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", w, err)
		}
		out = append(out, nv)
	}
	return out, nil
}

// normalizeJSON replaces json.Number with int64 or float64 so the value
// model encoder accepts it.
func normalizeJSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %s out of range", x)
		}
		return f, nil
	case []interface{}:
		for i := range x {
			nv, err := normalizeJSON(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	case map[string]interface{}:
		for k, e := range x {
			nv, err := normalizeJSON(e)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	default:
		return v, nil
	}
}

// printable converts decoded results into something encoding/json accepts:
// msgpack maps may have non-string keys.
func printable(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		for k, e := range x {
			x[k] = printable(e)
		}
		return x
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = printable(e)
		}
		return m
	case []interface{}:
		for i := range x {
			x[i] = printable(x[i])
		}
		return x
	default:
		return v
	}
}
