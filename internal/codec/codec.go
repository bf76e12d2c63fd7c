// Package codec converts arbitrary values to and from bytes for storage in
// the remote tier.
//
// Structured values (string-keyed maps, slices, strings, numbers, booleans)
// are encoded as JSON so that payloads stay language-neutral and debuggable
// from the store side. Anything else falls back to msgpack. Decoding tries
// JSON first and msgpack second; a payload neither scheme parses yields a
// CORRUPT_PAYLOAD error rather than a panic.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

// Kind tags how a value was encoded.
type Kind int

const (
	// KindStructured - self-describing JSON encoding
	KindStructured Kind = iota
	// KindRaw - generic msgpack encoding
	KindRaw
)

// String returns string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// EncodedValue is the tagged result of encoding a value.
type EncodedValue struct {
	Kind  Kind
	Bytes []byte
}

// Adapter encodes and decodes opaque payload values.
type Adapter struct{}

// NewAdapter creates a new serialization adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Encode converts a value to bytes, tagging the scheme used.
func (a *Adapter) Encode(value interface{}) (EncodedValue, error) {
	if isStructured(value) {
		data, err := json.Marshal(value)
		if err == nil {
			return EncodedValue{Kind: KindStructured, Bytes: data}, nil
		}
		// Unmarshalable structured value (e.g. a map holding a channel);
		// fall through to the generic scheme.
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		return EncodedValue{}, coorderr.NewError(coorderr.ErrCodeCorruptPayload,
			"value is not encodable").WithComponent("codec").WithOperation("encode").WithCause(err)
	}
	return EncodedValue{Kind: KindRaw, Bytes: data}, nil
}

// Decode converts bytes back to a value, trying the structured scheme first.
func (a *Adapter) Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, coorderr.NewError(coorderr.ErrCodeCorruptPayload,
			"empty payload").WithComponent("codec").WithOperation("decode")
	}

	var structured interface{}
	if err := json.Unmarshal(data, &structured); err == nil {
		return structured, nil
	}

	var raw interface{}
	if err := msgpack.Unmarshal(data, &raw); err == nil {
		return raw, nil
	}

	return nil, coorderr.NewError(coorderr.ErrCodeCorruptPayload,
		"payload matches neither structured nor raw encoding").
		WithComponent("codec").WithOperation("decode")
}

// isStructured reports whether the value belongs to the structured (JSON)
// scheme. The type inspection happens once here, at the boundary.
func isStructured(value interface{}) bool {
	switch value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []interface{}, []string:
		return true
	case map[string]interface{}, map[string]string:
		return true
	default:
		return false
	}
}
