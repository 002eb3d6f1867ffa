package stitcher

import (
	"fmt"
	"sort"
	"strconv"
)

// FlattenOptions bounds how much of one record FlattenRow expands.
type FlattenOptions struct {
	MaxDepth int
	MaxKeys  int
}

const (
	defaultFlattenDepth = 8
	defaultFlattenKeys  = 1000
)

// FlattenRow turns one decoded JSON record into a Row. Nested objects become dotted keys
// ("buyer.name") and arrays become indexed keys ("items[0].sku"); scalars keep their
// original key so field lookup works the same for flat and nested sources.
//
// Object fields are visited in key order, so a record cut off at MaxKeys always keeps the
// same fields.
func FlattenRow(value any, opts FlattenOptions) Row {
	f := rowFlattener{
		row:      make(Row),
		maxDepth: opts.MaxDepth,
		maxKeys:  opts.MaxKeys,
	}
	if f.maxDepth <= 0 {
		f.maxDepth = defaultFlattenDepth
	}
	if f.maxKeys <= 0 {
		f.maxKeys = defaultFlattenKeys
	}
	f.walk("", value, 0)
	return f.row
}

type rowFlattener struct {
	row      Row
	maxDepth int
	maxKeys  int
}

func (f *rowFlattener) full() bool {
	return len(f.row) >= f.maxKeys
}

func (f *rowFlattener) walk(field string, value any, depth int) {
	if f.full() {
		return
	}
	if depth > f.maxDepth {
		if field != "" {
			f.row[field] = fmt.Sprintf("<max_depth:%d>", f.maxDepth)
		}
		return
	}

	switch v := value.(type) {
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if f.full() {
				return
			}
			f.walk(childField(field, name), v[name], depth+1)
		}
	case []any:
		for i, item := range v {
			if f.full() {
				return
			}
			f.walk(field+"["+strconv.Itoa(i)+"]", item, depth+1)
		}
	case nil:
		// absent and null are the same to every field lookup
	default:
		if field == "" {
			field = "value"
		}
		f.row[field] = v
	}
}

func childField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
