package memory

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
)

func selectRows(rows []backend.Row, op backend.Operation) []backend.Row {
	var out []backend.Row
	for _, row := range rows {
		if matchesAll(row, op.Filters) {
			out = append(out, project(row, op.Columns))
		}
	}

	if len(op.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range op.OrderBy {
				c, ok := compare(out[i][o.Column], out[j][o.Column])
				if !ok || c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if op.Limit > 0 && len(out) > op.Limit {
		out = out[:op.Limit]
	}
	return out
}

func project(row backend.Row, columns []string) backend.Row {
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		return row.Clone()
	}
	out := make(backend.Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

func matchesAll(row backend.Row, filters []backend.Filter) bool {
	for _, f := range filters {
		if !matches(row[f.Column], f) {
			return false
		}
	}
	return true
}

func matches(v any, f backend.Filter) bool {
	switch f.Op {
	case backend.Eq:
		return equal(v, f.Value)
	case backend.Neq:
		return !equal(v, f.Value)
	case backend.In:
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if equal(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}

	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case backend.Gt:
		return c > 0
	case backend.Gte:
		return c >= 0
	case backend.Lt:
		return c < 0
	case backend.Lte:
		return c <= 0
	}
	return false
}

func sameKey(row backend.Row, values map[string]any, columns []string) bool {
	for _, c := range columns {
		if !equal(row[c], values[c]) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, strings and times; ok is false for other pairs
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
