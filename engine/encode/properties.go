package encode

import (
	"math"
	"reflect"

	"github.com/xiaonanln/typeconv"
)

// Properties is one channel's view of an object's replicated state
type Properties map[string]interface{}

// Copy returns a shallow copy of the Properties
func (p Properties) Copy() Properties {
	cp := make(Properties, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Diff returns the properties of p that differ from base, plus the keys that
// exist in base but not in p
func (p Properties) Diff(base Properties) (changed Properties, removed []string) {
	changed = Properties{}
	for k, v := range p {
		if bv, ok := base[k]; !ok || !valueEqual(v, bv) {
			changed[k] = v
		}
	}
	for k := range base {
		if _, ok := p[k]; !ok {
			removed = append(removed, k)
		}
	}
	return
}

// Merge applies changed and removed onto p in place
func (p Properties) Merge(changed Properties, removed []string) {
	for k, v := range changed {
		p[k] = v
	}
	for _, k := range removed {
		delete(p, k)
	}
}

// Equal compares two property maps after numeric normalization, so a map that
// went through msgpack (ints widened to int64, floats to float64) still
// compares equal to its source
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	na, nb := normalizeValue(a), normalizeValue(b)
	return reflect.DeepEqual(na, nb)
}

// normalizeValue collapses numeric types to int64/float64
func normalizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return typeconv.Int(v)
	case reflect.Float32, reflect.Float64:
		return reflect.ValueOf(v).Float()
	}
	return v
}

// quantizeProps reduces the precision of all float-valued properties to the
// given number of fractional bits. Non-numeric values pass through unchanged.
func quantizeProps(p Properties, bits uint) Properties {
	q := make(Properties, len(p))
	for k, v := range p {
		q[k] = quantizeValue(v, bits)
	}
	return q
}

func quantizeValue(v interface{}, bits uint) interface{} {
	switch x := v.(type) {
	case float64:
		return quantizeFloat(x, bits)
	case float32:
		return float32(quantizeFloat(float64(x), bits))
	}
	return v
}

func quantizeFloat(f float64, bits uint) float64 {
	scale := float64(uint64(1) << bits)
	return math.Round(f*scale) / scale
}
