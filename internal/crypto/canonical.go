package crypto

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON: object keys sorted, strings NFC
// normalized, nil object members dropped, floats rejected. Timestamps are
// written as RFC 3339 strings in UTC.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalDigest canonicalizes v and returns its prefixed SHA-256 digest.
func CanonicalDigest(v any) (string, []byte, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	return DigestWithPrefix(data), data, nil
}

type member struct {
	key   string
	value any
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		return encodeNumber(buf, value)
	case time.Time:
		return encodeString(buf, value.UTC().Format(time.RFC3339Nano))
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return encodeString(buf, rv.String())
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return ErrFloatNotAllowed
	case reflect.Map:
		return encodeObject(buf, rv)
	case reflect.Slice, reflect.Array:
		return encodeArray(buf, rv)
	case reflect.Struct:
		if t, ok := rv.Interface().(time.Time); ok {
			return encodeString(buf, t.UTC().Format(time.RFC3339Nano))
		}
		return ErrUnsupportedType
	case reflect.Invalid:
		buf.WriteString("null")
		return nil
	default:
		return ErrUnsupportedType
	}
}

func encodeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	value, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return ErrFloatNotAllowed
	}
	buf.WriteString(strconv.FormatInt(value, 10))
	return nil
}

func encodeObject(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	members := make([]member, 0, rv.Len())
	seen := make(map[string]struct{}, rv.Len())
	for _, key := range rv.MapKeys() {
		name := norm.NFC.String(key.String())
		if _, dup := seen[name]; dup {
			return ErrKeyCollision
		}
		seen[name] = struct{}{}

		val := rv.MapIndex(key).Interface()
		if isNil(val) {
			continue
		}
		members = append(members, member{key: name, value: val})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, m.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		buf.WriteString("null")
		return nil
	}

	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
