// Package canonicalize provides deterministic JSON serialization and
// SHA-256 hashing for agenc runtime values.
//
// Every hash computed anywhere in the runtime (projection hashes, audit
// entry hashes, candidate fingerprints, incident case ids) goes through
// this package so that two processes observing the same value always
// agree on its digest.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"

	"github.com/gowebpki/jcs"
)

// Canonicalize normalizes v into generic JSON values (nil, bool, string,
// json.Number, []any, map[string]any) with the runtime's extended rules:
//
//   - non-finite floats become their textual form ("NaN", "Infinity", "-Infinity")
//   - big integers (256-bit field elements) become decimal strings
//   - byte slices become arrays of numeric octets
//
// Key ordering is applied at serialization time by StableString, so
// Canonicalize is idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(v any) (any, error) {
	return normalize(v)
}

// StableString returns the canonical serialization of v: object keys sorted
// lexicographically by UTF-8 bytes, array order preserved, no HTML escaping.
func StableString(v any) (string, error) {
	norm, err := normalize(v)
	if err != nil {
		return "", err
	}
	b, err := marshalSorted(norm)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of the canonical
// serialization of v.
func SHA256Hex(v any) (string, error) {
	s, err := StableString(v)
	if err != nil {
		return "", err
	}
	return SHA256HexOfString(s), nil
}

// SHA256HexOfString hashes a pre-serialized string.
func SHA256HexOfString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes computes the hex-encoded SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TransformRaw canonicalizes a raw JSON document per RFC 8785. It is the
// fast path for payloads that arrive as encoded JSON (replay events fetched
// off the wire) and never passed through Go values.
func TransformRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return t, nil
	case float64:
		return normalizeFloat(t), nil
	case float32:
		return normalizeFloat(float64(t)), nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case big.Int:
		return t.String(), nil
	case []byte:
		return octets(t), nil
	case json.RawMessage:
		return decodeGeneric(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return normalizeReflect(v)
}

// normalizeReflect handles typed slices, maps, and pointers. Structs fall
// through to an encoding/json round-trip so json tags are respected.
func normalizeReflect(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return octets(rv.Bytes()), nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("canonicalize: unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	}

	// Struct (or anything else encoding/json can express): round-trip
	// through the standard marshaler so tags and omitempty apply.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	return decodeGeneric(intermediate)
}

func decodeGeneric(raw []byte) (any, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}
	return normalize(generic)
}

func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	// Shortest representation that round-trips, matching encoding/json.
	b, _ := json.Marshal(f)
	return json.Number(b)
}

func octets(b []byte) []any {
	out := make([]any, len(b))
	for i, o := range b {
		out[i] = json.Number(strconv.FormatUint(uint64(o), 10))
	}
	return out
}

func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalSorted(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("canonicalize: unexpected normalized type %T", v)
	}
}
