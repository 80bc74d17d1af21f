package cache

import (
	"reflect"
	"time"
)

// entryOverhead approximates the bookkeeping cost of one entry: key header,
// metadata struct, map slot, and eviction-list element.
const entryOverhead = 112

// EstimateSize returns a structural size estimate for a cached value.
// Payloads are opaque decoded structures (maps, slices, primitives), so the
// walk covers those shapes directly and falls back to reflection for the
// rest. The estimate is deliberately approximate: shared substructure is
// counted once per reference and strings count bytes, not encoded width.
func EstimateSize(v interface{}) int64 {
	return sizeOf(v, 0)
}

const maxSizeDepth = 32

func sizeOf(v interface{}, depth int) int64 {
	if v == nil || depth > maxSizeDepth {
		return 8
	}

	switch val := v.(type) {
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	case string:
		return int64(len(val)) + 16
	case []byte:
		return int64(len(val)) + 24
	case time.Time:
		return 24
	case map[string]interface{}:
		total := int64(48)
		for k, item := range val {
			total += int64(len(k)) + 16 + sizeOf(item, depth+1)
		}
		return total
	case []interface{}:
		total := int64(24)
		for _, item := range val {
			total += sizeOf(item, depth+1)
		}
		return total
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 8
		}
		return 8 + sizeOf(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		total := int64(24)
		for i := 0; i < rv.Len(); i++ {
			total += sizeOf(rv.Index(i).Interface(), depth+1)
		}
		return total
	case reflect.Map:
		total := int64(48)
		iter := rv.MapRange()
		for iter.Next() {
			total += sizeOf(iter.Key().Interface(), depth+1)
			total += sizeOf(iter.Value().Interface(), depth+1)
		}
		return total
	case reflect.Struct:
		total := int64(16)
		for i := 0; i < rv.NumField(); i++ {
			if rv.Field(i).CanInterface() {
				total += sizeOf(rv.Field(i).Interface(), depth+1)
			}
		}
		return total
	case reflect.String:
		return int64(rv.Len()) + 16
	default:
		return 8
	}
}
