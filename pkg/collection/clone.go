// Deep cloning, deep equality and change diffing.
//
// The engine never hands internal state to user code and never trusts user
// items after storing them, so values are deep-copied at every boundary.
// Update drafts are clones diffed against the original at the end of the
// callback: a field set and then set back to its original value diffs clean,
// which is what drops fully-reverted mutations.
package collection

import (
	"reflect"
	"time"
)

// deepClone returns a deep copy of v. Maps, slices, arrays, pointers and
// structs are walked; channels and funcs are copied by reference (they have
// no meaningful deep copy and do not belong in stored items).
func deepClone[T any](v T) T {
	out := cloneValue(reflect.ValueOf(&v).Elem())
	return out.Interface().(T)
}

func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		inner := cloneValue(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(cloneValue(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(cloneValue(iter.Key()), cloneValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	case reflect.Struct:
		// time.Time and friends are immutable value types; copying the
		// struct wholesale is both correct and much cheaper.
		if v.Type() == timeType {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			out.Field(i).Set(cloneValue(v.Field(i)))
		}
		return out
	default:
		return v
	}
}

var timeType = reflect.TypeOf(time.Time{})

// deepEqual compares two values structurally, with time.Time compared by
// instant so a round-trip through a sync layer in another zone stays equal.
func deepEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return reflect.DeepEqual(normalizeTimes(a), normalizeTimes(b))
}

// normalizeTimes rewrites every time.Time inside v to UTC so DeepEqual
// compares instants, not locations. Values without times return unchanged.
func normalizeTimes(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || !containsTime(rv.Type()) {
		return v
	}
	return normalizeTimeValue(rv).Interface()
}

func containsTime(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct:
		if t == timeType {
			return true
		}
		for i := 0; i < t.NumField(); i++ {
			if containsTime(t.Field(i).Type) {
				return true
			}
		}
		return false
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return containsTime(t.Elem())
	case reflect.Map:
		return containsTime(t.Elem()) || containsTime(t.Key())
	case reflect.Interface:
		return true // cannot tell statically; normalize dynamically
	default:
		return false
	}
}

func normalizeTimeValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Struct:
		if v.Type() == timeType {
			t := v.Interface().(time.Time)
			return reflect.ValueOf(t.UTC().Round(0))
		}
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				out.Set(v)
				return out
			}
			out.Field(i).Set(normalizeTimeValue(v.Field(i)))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(normalizeTimeValue(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		inner := normalizeTimeValue(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		if v.Kind() == reflect.Slice {
			out.Set(reflect.MakeSlice(v.Type(), v.Len(), v.Len()))
		}
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(normalizeTimeValue(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), normalizeTimeValue(iter.Value()))
		}
		return out
	default:
		return v
	}
}

// diffChanges computes the minimal top-level change set between an original
// item and its mutated draft. Struct fields are named by their json tag when
// present, the field name otherwise; map items by key. Fields whose values
// deep-equal contribute nothing, which is how a revert un-marks a change.
func diffChanges(original, draft any) map[string]any {
	changes := make(map[string]any)

	ov := reflect.ValueOf(original)
	dv := reflect.ValueOf(draft)
	for ov.Kind() == reflect.Pointer {
		ov = ov.Elem()
	}
	for dv.Kind() == reflect.Pointer {
		dv = dv.Elem()
	}
	hasOriginal := ov.IsValid()

	switch dv.Kind() {
	case reflect.Map:
		// Changed and added keys.
		iter := dv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			newVal := iter.Value().Interface()
			oldVal := reflect.Value{}
			if hasOriginal && ov.Kind() == reflect.Map {
				oldVal = ov.MapIndex(iter.Key())
			}
			if !oldVal.IsValid() || !deepEqual(oldVal.Interface(), newVal) {
				changes[k] = newVal
			}
		}
		// Removed keys surface as explicit nils.
		if hasOriginal && ov.Kind() == reflect.Map {
			oiter := ov.MapRange()
			for oiter.Next() {
				if !dv.MapIndex(oiter.Key()).IsValid() {
					changes[oiter.Key().String()] = nil
				}
			}
		}
	case reflect.Struct:
		t := dv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			newVal := dv.Field(i).Interface()
			if !hasOriginal {
				// Insert: the whole post-image is the change set.
				changes[fieldName(f)] = newVal
				continue
			}
			oldVal := ov.Field(i).Interface()
			if !deepEqual(oldVal, newVal) {
				changes[fieldName(f)] = newVal
			}
		}
	}
	return changes
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if i == 0 {
				return f.Name
			}
			return tag[:i]
		}
	}
	return tag
}

// shallowMerge overlays the exported fields (or map keys) present in patch
// onto base, returning the merged item. Used by the partial row-update mode
// for synced updates.
func shallowMerge[T any](base T, patch T) T {
	bv := reflect.ValueOf(&base).Elem()
	pv := reflect.ValueOf(patch)

	if bv.Kind() == reflect.Map {
		if bv.IsNil() {
			return patch
		}
		out := cloneValue(bv)
		iter := pv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface().(T)
	}

	if bv.Kind() == reflect.Struct {
		out := cloneValue(bv)
		for i := 0; i < pv.NumField(); i++ {
			f := pv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			if !pv.Field(i).IsZero() {
				out.Field(i).Set(pv.Field(i))
			}
		}
		return out.Interface().(T)
	}

	if bv.Kind() == reflect.Pointer && bv.Elem().Kind() == reflect.Struct {
		if bv.IsNil() || pv.IsNil() {
			return patch
		}
		merged := shallowMerge(bv.Elem().Interface(), pv.Elem().Interface())
		out := reflect.New(bv.Type().Elem())
		out.Elem().Set(reflect.ValueOf(merged))
		return out.Interface().(T)
	}

	return patch
}
