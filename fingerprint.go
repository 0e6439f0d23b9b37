package fetchcache

import (
	"encoding/hex"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/joeycumines/go-utilpkg/jsonenc"
	"golang.org/x/crypto/blake2b"
)

const (
	// maxCanonicalDepth bounds the canonicalization walk. Deeper structures
	// are rejected with [ErrDepthExceeded].
	maxCanonicalDepth = 10

	// fingerprintSize is the digest length, in bytes.
	fingerprintSize = 16
)

// CanonicalMarshaler may be implemented by key types (or values nested
// within keys) to control their canonical rendering, bypassing the default
// reflection-based walk for that value.
type CanonicalMarshaler interface {
	MarshalCanonical() ([]byte, error)
}

var (
	canonicalMarshalerType = reflect.TypeOf((*CanonicalMarshaler)(nil)).Elem()
	bigIntType             = reflect.TypeOf(big.Int{})
	timeTimeType           = reflect.TypeOf(time.Time{})
)

// Fingerprint derives a stable cache key from an arbitrary value: the
// canonical form (see [Canonicalize]) hashed with a 128-bit BLAKE2b digest,
// in lowercase hex.
func Fingerprint(key any) (string, error) {
	canonical, err := appendCanonical(nil, reflect.ValueOf(key), 1, ``)
	if err != nil {
		return ``, err
	}
	hash, err := blake2b.New(fingerprintSize, nil)
	if err != nil {
		return ``, err
	}
	_, _ = hash.Write(canonical)
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Canonicalize renders a value in its deterministic canonical form, which is
// order-independent for mappings (entries sorted lexicographically by
// rendered key, entries with absent values dropped), and order-preserving
// for sequences. The walk is bounded to [maxCanonicalDepth]; deeper
// structures return a [FingerprintError] wrapping [ErrDepthExceeded].
func Canonicalize(key any) (string, error) {
	b, err := appendCanonical(nil, reflect.ValueOf(key), 1, ``)
	if err != nil {
		return ``, err
	}
	return string(b), nil
}

func appendCanonical(dst []byte, v reflect.Value, depth int, path string) ([]byte, error) {
	if !v.IsValid() {
		return append(dst, `null`...), nil
	}

	if v.CanInterface() && v.Type().Implements(canonicalMarshalerType) {
		if isAbsent(v) {
			return append(dst, `null`...), nil
		}
		b, err := v.Interface().(CanonicalMarshaler).MarshalCanonical()
		if err != nil {
			return dst, &FingerprintError{Err: err, Path: path}
		}
		return append(dst, b...), nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return strconv.AppendBool(dst, v.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.AppendInt(dst, v.Int(), 10), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.AppendUint(dst, v.Uint(), 10), nil

	case reflect.Float32, reflect.Float64:
		return appendCanonicalFloat(dst, v, path)

	case reflect.String:
		return jsonenc.AppendString(dst, v.String()), nil

	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return append(dst, `null`...), nil
		}
		// deref doesn't count as a level of nesting
		return appendCanonical(dst, v.Elem(), depth, path)

	case reflect.Slice, reflect.Array:
		return appendCanonicalSequence(dst, v, depth, path)

	case reflect.Map:
		return appendCanonicalMap(dst, v, depth, path)

	case reflect.Struct:
		switch v.Type() {
		case bigIntType:
			if v.CanAddr() {
				i := v.Addr().Interface().(*big.Int)
				return i.Append(dst, 10), nil
			}
			i := v.Interface().(big.Int)
			return i.Append(dst, 10), nil
		case timeTimeType:
			return v.Interface().(time.Time).AppendFormat(dst, time.RFC3339Nano), nil
		}
		return appendCanonicalStruct(dst, v, depth, path)

	default:
		return dst, &FingerprintError{Err: ErrUnsupportedType, Path: path}
	}
}

func appendCanonicalFloat(dst []byte, v reflect.Value, path string) ([]byte, error) {
	f := v.Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return dst, &FingerprintError{Err: ErrUnsupportedType, Path: path}
	}
	bits := 64
	if v.Kind() == reflect.Float32 {
		bits = 32
	}
	// 'f' with -1 precision renders integer-like values without a point or
	// trailing zeros, and large magnitudes in full base-10
	return strconv.AppendFloat(dst, f, 'f', -1, bits), nil
}

func appendCanonicalSequence(dst []byte, v reflect.Value, depth int, path string) ([]byte, error) {
	if depth > maxCanonicalDepth {
		return dst, &FingerprintError{Err: ErrDepthExceeded, Path: path}
	}
	if v.Kind() == reflect.Slice {
		if v.IsNil() {
			return append(dst, `null`...), nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			dst = append(dst, '"')
			dst = append(dst, hex.EncodeToString(v.Bytes())...)
			return append(dst, '"'), nil
		}
	}
	dst = append(dst, '[')
	for i := 0; i < v.Len(); i++ {
		if i != 0 {
			dst = append(dst, ',')
		}
		var err error
		dst, err = appendCanonical(dst, v.Index(i), depth+1, path+`[`+strconv.Itoa(i)+`]`)
		if err != nil {
			return dst, err
		}
	}
	return append(dst, ']'), nil
}

func appendCanonicalMap(dst []byte, v reflect.Value, depth int, path string) ([]byte, error) {
	if depth > maxCanonicalDepth {
		return dst, &FingerprintError{Err: ErrDepthExceeded, Path: path}
	}
	if v.IsNil() {
		return append(dst, `null`...), nil
	}

	type entry struct {
		key   string
		value reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		value := iter.Value()
		if isAbsent(value) {
			continue
		}
		key, err := appendCanonical(nil, iter.Key(), depth+1, path+`{}`)
		if err != nil {
			return dst, err
		}
		entries = append(entries, entry{key: string(key), value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	dst = append(dst, '{')
	for i, e := range entries {
		if i != 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, e.key...)
		dst = append(dst, ':')
		var err error
		dst, err = appendCanonical(dst, e.value, depth+1, path+`.`+e.key)
		if err != nil {
			return dst, err
		}
	}
	return append(dst, '}'), nil
}

func appendCanonicalStruct(dst []byte, v reflect.Value, depth int, path string) ([]byte, error) {
	if depth > maxCanonicalDepth {
		return dst, &FingerprintError{Err: ErrDepthExceeded, Path: path}
	}
	t := v.Type()

	type entry struct {
		name  string
		value reflect.Value
	}
	entries := make([]entry, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		value := v.Field(i)
		if isAbsent(value) {
			continue
		}
		entries = append(entries, entry{name: f.Name, value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	dst = append(dst, '{')
	for i, e := range entries {
		if i != 0 {
			dst = append(dst, ',')
		}
		dst = jsonenc.AppendString(dst, e.name)
		dst = append(dst, ':')
		var err error
		dst, err = appendCanonical(dst, e.value, depth+1, path+`.`+e.name)
		if err != nil {
			return dst, err
		}
	}
	return append(dst, '}'), nil
}

// isAbsent identifies values dropped from mappings, i.e. nil pointers and
// nil interfaces, including interfaces holding a nil pointer.
func isAbsent(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer:
		return v.IsNil()
	case reflect.Interface:
		return v.IsNil() || isAbsent(v.Elem())
	}
	return false
}
