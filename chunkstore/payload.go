package chunkstore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/c360/openhim-core/errors"
)

// Kind tags the variant held by a Payload
type Kind uint8

const (
	// KindText is a UTF-8 string body
	KindText Kind = iota + 1
	// KindBytes is an opaque byte body
	KindBytes
	// KindSequence is an ordered list of elements
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindSequence:
		return "sequence"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(name string) (Kind, error) {
	switch name {
	case "text":
		return KindText, nil
	case "bytes":
		return KindBytes, nil
	case "sequence":
		return KindSequence, nil
	default:
		return 0, fmt.Errorf("unknown payload kind: %q", name)
	}
}

// Payload is a validated body. The zero value is empty and is rejected by
// Store.
type Payload struct {
	kind     Kind
	text     string
	bytes    []byte
	elements []any
}

// Text returns a text payload
func Text(s string) Payload { return Payload{kind: KindText, text: s} }

// Bytes returns a byte payload
func Bytes(b []byte) Payload { return Payload{kind: KindBytes, bytes: b} }

// Sequence returns a sequence payload as given. NewPayload also canonicalises
// the elements.
func Sequence(elements []any) Payload { return Payload{kind: KindSequence, elements: elements} }

// NewPayload classifies v. Absent and empty values fail with
// errors.ErrEmptyPayload; values of any other shape fail with
// errors.ErrUnsupportedShape.
//
// Accepted shapes are string, []byte (and named byte slices), any other slice
// or array, and string-keyed maps exposing a non-negative integer "length"
// whose members "0" to "length-1" form the sequence. Missing members become
// nil.
func NewPayload(v any) (Payload, error) {
	switch t := v.(type) {
	case nil:
		return Payload{}, emptyPayload()
	case Payload:
		if t.IsZero() {
			return Payload{}, emptyPayload()
		}
		if t.kind == KindSequence {
			return sequence(t.elements)
		}
		return t, nil
	case string:
		if t == "" {
			return Payload{}, emptyPayload()
		}
		return Text(t), nil
	case []byte:
		if len(t) == 0 {
			return Payload{}, emptyPayload()
		}
		return Bytes(t), nil
	case json.RawMessage:
		return NewPayload([]byte(t))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Payload{}, emptyPayload()
		}
		return NewPayload(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return Payload{}, emptyPayload()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return Bytes(b), nil
		}
		elements := make([]any, rv.Len())
		for i := range elements {
			elements[i] = rv.Index(i).Interface()
		}
		return sequence(elements)

	case reflect.Map:
		if rv.IsNil() {
			return Payload{}, emptyPayload()
		}
		return arrayLike(rv)
	}

	return Payload{}, unsupportedShape(fmt.Sprintf("%T", v))
}

// arrayLike converts a string-keyed map with a usable length member
func arrayLike(rv reflect.Value) (Payload, error) {
	keyType := rv.Type().Key()
	if keyType.Kind() != reflect.String {
		return Payload{}, unsupportedShape(rv.Type().String())
	}

	member := func(name string) (any, bool) {
		v := rv.MapIndex(reflect.ValueOf(name).Convert(keyType))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	}

	raw, ok := member("length")
	if !ok {
		return Payload{}, unsupportedShape("object without length")
	}
	n, ok := toLength(raw)
	if !ok {
		return Payload{}, unsupportedShape(fmt.Sprintf("object with length %v", raw))
	}
	if n == 0 {
		return Payload{}, emptyPayload()
	}

	elements := make([]any, n)
	for i := range elements {
		elements[i], _ = member(strconv.Itoa(i))
	}
	return sequence(elements)
}

// sequence canonicalises elements so that a stored sequence retrieves equal
// element for element. Elements CBOR cannot carry are unsupported.
func sequence(elements []any) (Payload, error) {
	canon, err := canonicalElements(elements)
	if err != nil {
		return Payload{}, unsupportedShape(err.Error())
	}
	return Sequence(canon), nil
}

// maxArrayLikeLength bounds lengths taken from untrusted objects
const maxArrayLikeLength = 1 << 24

func toLength(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if f < 0 || f != math.Trunc(f) || f > maxArrayLikeLength {
		return 0, false
	}
	return int(f), true
}

func emptyPayload() error {
	return errors.WrapInvalid(errors.ErrEmptyPayload, "ChunkStore", "NewPayload", "validate payload")
}

func unsupportedShape(shape string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnsupportedShape, shape),
		"ChunkStore", "NewPayload", "validate payload")
}

// Kind returns the payload variant, zero for an empty payload
func (p Payload) Kind() Kind { return p.kind }

// IsZero reports whether p holds nothing
func (p Payload) IsZero() bool {
	switch p.kind {
	case KindText:
		return p.text == ""
	case KindBytes:
		return len(p.bytes) == 0
	case KindSequence:
		return len(p.elements) == 0
	default:
		return true
	}
}

// Len is the byte length for text and bytes, the element count for sequences
func (p Payload) Len() int {
	switch p.kind {
	case KindText:
		return len(p.text)
	case KindBytes:
		return len(p.bytes)
	case KindSequence:
		return len(p.elements)
	default:
		return 0
	}
}

// Text returns the text of a text payload, or the bytes of a byte payload as
// a string
func (p Payload) Text() string {
	if p.kind == KindBytes {
		return string(p.bytes)
	}
	return p.text
}

// Bytes returns the body of a byte or text payload
func (p Payload) Bytes() []byte {
	if p.kind == KindText {
		return []byte(p.text)
	}
	return p.bytes
}

// Elements returns the elements of a sequence payload
func (p Payload) Elements() []any { return p.elements }

// Value returns the payload as string, []byte or []any
func (p Payload) Value() any {
	switch p.kind {
	case KindText:
		return p.text
	case KindBytes:
		return p.bytes
	case KindSequence:
		return p.elements
	default:
		return nil
	}
}
