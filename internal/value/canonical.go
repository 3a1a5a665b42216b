package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// refKey marks an encoded Ref. An object whose only key is refKey decodes
// back into a Ref.
const refKey = "@ref"

// MarshalCanonical encodes v as canonical JSON: object keys sorted by UTF-16
// code units, no HTML escaping, strings NFC-normalized, no insignificant
// whitespace. Equal values always produce identical bytes, which is what the
// store relies on when persisting action payloads.
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return writeString(buf, string(val))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case Ref:
		path := make(Array, len(val.Path))
		for i, p := range val.Path {
			path[i] = String(p)
		}
		return writeCanonical(buf, Object{refKey: Object{
			"action_id": Int(val.ActionID),
			"step_id":   Int(val.StepID),
			"path":      path,
		}})
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// Decode parses JSON produced by MarshalCanonical (or any JSON without
// floats) into a Value.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return fromJSON(raw)
}

func fromJSON(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null{}, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number %s", val)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		if inner, ok := val[refKey]; ok && len(val) == 1 {
			return refFromJSON(inner)
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported json type %T", raw)
	}
}

func refFromJSON(raw any) (Value, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed reference: %v", raw)
	}
	var ref Ref
	for _, f := range []struct {
		key string
		dst *int
	}{{"action_id", &ref.ActionID}, {"step_id", &ref.StepID}} {
		num, ok := fields[f.key].(json.Number)
		if !ok {
			return nil, fmt.Errorf("reference missing %s", f.key)
		}
		n, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", f.key, err)
		}
		*f.dst = int(n)
	}
	if path, ok := fields["path"].([]any); ok && len(path) > 0 {
		ref.Path = make([]string, len(path))
		for i, p := range path {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("reference path[%d] is not a string", i)
			}
			ref.Path[i] = s
		}
	}
	return ref, nil
}
