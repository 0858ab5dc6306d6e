// Package document prepares Go values for the document store, which rejects values it
// cannot represent.
package document

import (
	"math"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Sanitize returns a copy of v built only from nil, bool, string, int64, float64,
// time.Time, []byte, []any and map[string]any.
//
// Values with no document representation become nil: nil interfaces, nil pointers, maps
// and slices, NaN and infinite floats, funcs, channels, complex numbers and unsafe pointers.
// Pointers are dereferenced, integers widen to int64 (uint64 beyond MaxInt64 becomes
// float64), and structs become maps keyed by their firestore tag or field name, skipping
// unexported fields and fields tagged "-". Map keys that are not strings are dropped.
//
// Sanitize is total and idempotent: Sanitize(Sanitize(v)) equals Sanitize(v).
func Sanitize(v any) any {
	return sanitize(reflect.ValueOf(v))
}

func sanitize(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.Type() == timeType {
		return rv.Interface().(time.Time)
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return sanitize(rv.Elem())
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return float64(u)
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...)
		}
		return sanitizeList(rv)
	case reflect.Array:
		return sanitizeList(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key()
			for key.Kind() == reflect.Interface && !key.IsNil() {
				key = key.Elem()
			}
			if key.Kind() != reflect.String {
				continue
			}
			out[key.String()] = sanitize(iter.Value())
		}
		return out
	case reflect.Struct:
		return sanitizeStruct(rv)
	default:
		return nil
	}
}

func sanitizeList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = sanitize(rv.Index(i))
	}
	return out
}

func sanitizeStruct(rv reflect.Value) map[string]any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("firestore"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = sanitize(rv.Field(i))
	}
	return out
}
