// Package codec canonicalizes arbitrary row and parameter values into a
// deterministic textual form. The same logical value always encodes to the
// same string regardless of map insertion order, which makes the output
// usable both for cache-key hashing and for at-rest storage of payloads.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// tagKey is the reserved object key marking a tagged special value.
// Plain maps that happen to contain it are wrapped so they survive a
// round trip unchanged.
const tagKey = "$qc"

const (
	tagNum     = "num"
	tagBigInt  = "bigint"
	tagDecimal = "decimal"
	tagDate    = "date"
	tagBytes   = "bytes"
	tagAbsent  = "absent"
	tagSet     = "set"
	tagObject  = "obj"
)

// Absent is the sentinel for a value that was omitted entirely, as opposed
// to one that is present and nil. The two encode differently and decode
// back to their respective forms.
var Absent = absentValue{}

type absentValue struct{}

func (absentValue) String() string { return "absent" }

// Set is an unordered collection. Elements are encoded in sorted order so
// two logically-equal sets always normalize to the same string.
type Set []any

// Payload is the result of Serialize: the encoded text plus its size,
// which providers use for byte-budget accounting.
type Payload struct {
	Data     string
	ByteSize int
}

// Normalize converts a value into a tree of JSON-encodable primitives
// (nil, bool, string, float64, int64, []any, map[string]any) with special
// values replaced by tagged objects. Unsupported types return a
// *SerializationError.
func Normalize(v any) (any, error) {
	return normalize(v)
}

// StableStringify encodes a value deterministically. Object keys are
// emitted in sorted order, so field insertion order never changes the
// output.
func StableStringify(v any) (string, error) {
	norm, err := normalize(v)
	if err != nil {
		return "", err
	}
	// encoding/json sorts map keys, which is exactly the determinism
	// guarantee this function promises.
	data, err := json.Marshal(norm)
	if err != nil {
		return "", &SerializationError{Op: "serialize", Type: fmt.Sprintf("%T", v), Err: err}
	}
	return string(data), nil
}

// Serialize encodes a value for storage and reports the encoded size.
func Serialize(v any) (Payload, error) {
	data, err := StableStringify(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, ByteSize: len(data)}, nil
}

// Deserialize decodes a payload produced by Serialize back into its
// canonical Go form. Tagged values come back as their original types:
// time.Time, *big.Int, decimal.Decimal, []byte, Set, Absent.
func Deserialize(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &SerializationError{Op: "deserialize", Type: "string", Err: err}
	}
	return revive(raw)
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return normalizeUint64(uint64(val)), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return normalizeUint64(val), nil
	case float32:
		return normalizeFloat(float64(val)), nil
	case float64:
		return normalizeFloat(val), nil
	case json.Number:
		return normalizeNumber(val)
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		return tagged(tagBigInt, val.String()), nil
	case big.Int:
		return tagged(tagBigInt, val.String()), nil
	case decimal.Decimal:
		return tagged(tagDecimal, val.String()), nil
	case time.Time:
		return tagged(tagDate, val.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		return tagged(tagBytes, base64.StdEncoding.EncodeToString(val)), nil
	case absentValue:
		return map[string]any{tagKey: tagAbsent}, nil
	case Set:
		return normalizeSet(val)
	case map[string]struct{}:
		set := make(Set, 0, len(val))
		for k := range val {
			set = append(set, k)
		}
		return normalizeSet(set)
	}
	return normalizeReflect(v)
}

// normalizeReflect handles pointers, slices and string-keyed maps of
// arbitrary element types.
func normalizeReflect(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			norm, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &SerializationError{
				Op:   "serialize",
				Type: rv.Type().String(),
				Err:  fmt.Errorf("map keys must be strings"),
			}
		}
		out := make(map[string]any, rv.Len())
		hasTag := false
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if key == tagKey {
				hasTag = true
			}
			norm, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = norm
		}
		if hasTag {
			return map[string]any{tagKey: tagObject, "v": out}, nil
		}
		return out, nil
	}
	return nil, &SerializationError{
		Op:   "serialize",
		Type: fmt.Sprintf("%T", v),
		Err:  fmt.Errorf("unsupported value type"),
	}
}

func normalizeSet(s Set) (any, error) {
	encoded := make([]string, len(s))
	elems := make([]any, len(s))
	for i, e := range s {
		norm, err := normalize(e)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(norm)
		if err != nil {
			return nil, &SerializationError{Op: "serialize", Type: fmt.Sprintf("%T", e), Err: err}
		}
		encoded[i] = string(data)
		elems[i] = norm
	}
	sort.Sort(&setSorter{keys: encoded, elems: elems})
	return map[string]any{tagKey: tagSet, "v": elems}, nil
}

type setSorter struct {
	keys  []string
	elems []any
}

func (s *setSorter) Len() int           { return len(s.keys) }
func (s *setSorter) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *setSorter) Swap(i, j int) {
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
	s.elems[i], s.elems[j] = s.elems[j], s.elems[i]
}

func normalizeUint64(v uint64) any {
	if v > math.MaxInt64 {
		return tagged(tagBigInt, new(big.Int).SetUint64(v).String())
	}
	return int64(v)
}

func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return tagged(tagNum, "NaN")
	case math.IsInf(f, 1):
		return tagged(tagNum, "+Inf")
	case math.IsInf(f, -1):
		return tagged(tagNum, "-Inf")
	}
	return f
}

func normalizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	if f, err := n.Float64(); err == nil {
		return f, nil
	}
	if b, ok := new(big.Int).SetString(n.String(), 10); ok {
		return tagged(tagBigInt, b.String()), nil
	}
	return nil, &SerializationError{
		Op:   "serialize",
		Type: "json.Number",
		Err:  fmt.Errorf("unparseable number %q", n.String()),
	}
}

func tagged(tag, value string) map[string]any {
	return map[string]any{tagKey: tag, "v": value}
}

func revive(raw any) (any, error) {
	switch val := raw.(type) {
	case nil, bool, string:
		return val, nil
	case json.Number:
		return normalizeNumber(val)
	case []any:
		for i, e := range val {
			rev, err := revive(e)
			if err != nil {
				return nil, err
			}
			val[i] = rev
		}
		return val, nil
	case map[string]any:
		if tag, ok := val[tagKey].(string); ok {
			return reviveTagged(tag, val)
		}
		for k, e := range val {
			rev, err := revive(e)
			if err != nil {
				return nil, err
			}
			val[k] = rev
		}
		return val, nil
	}
	return nil, &SerializationError{
		Op:   "deserialize",
		Type: fmt.Sprintf("%T", raw),
		Err:  fmt.Errorf("unexpected decoded type"),
	}
}

func reviveTagged(tag string, obj map[string]any) (any, error) {
	fail := func(msg string) error {
		return &SerializationError{Op: "deserialize", Type: tag, Err: fmt.Errorf("%s", msg)}
	}

	if tag == tagAbsent {
		return Absent, nil
	}

	switch tag {
	case tagNum:
		s, ok := obj["v"].(string)
		if !ok {
			return nil, fail("missing value")
		}
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "+Inf":
			return math.Inf(1), nil
		case "-Inf":
			return math.Inf(-1), nil
		}
		return nil, fail("unknown tagged number " + s)
	case tagBigInt:
		s, ok := obj["v"].(string)
		if !ok {
			return nil, fail("missing value")
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fail("invalid integer " + s)
		}
		return b, nil
	case tagDecimal:
		s, ok := obj["v"].(string)
		if !ok {
			return nil, fail("missing value")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, &SerializationError{Op: "deserialize", Type: tag, Err: err}
		}
		return d, nil
	case tagDate:
		s, ok := obj["v"].(string)
		if !ok {
			return nil, fail("missing value")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &SerializationError{Op: "deserialize", Type: tag, Err: err}
		}
		return t, nil
	case tagBytes:
		s, ok := obj["v"].(string)
		if !ok {
			return nil, fail("missing value")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &SerializationError{Op: "deserialize", Type: tag, Err: err}
		}
		return b, nil
	case tagSet:
		elems, ok := obj["v"].([]any)
		if !ok {
			return nil, fail("missing elements")
		}
		set := make(Set, len(elems))
		for i, e := range elems {
			rev, err := revive(e)
			if err != nil {
				return nil, err
			}
			set[i] = rev
		}
		return set, nil
	case tagObject:
		inner, ok := obj["v"].(map[string]any)
		if !ok {
			return nil, fail("missing object")
		}
		// The wrapped map is a plain object whose keys collide with the
		// tag marker; revive its values without re-reading it as tagged.
		out := make(map[string]any, len(inner))
		for k, e := range inner {
			rev, err := revive(e)
			if err != nil {
				return nil, err
			}
			out[k] = rev
		}
		return out, nil
	}
	return nil, fail("unknown tag " + tag)
}
