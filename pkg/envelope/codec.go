package envelope

import (
	"fmt"
	"strings"
)

// Codec converts envelopes to frames and back. Implementations are pure
// and perform no semantic validation of Data.
type Codec interface {
	Name() string
	Encode(*Envelope) ([]byte, error)
	Decode([]byte) (*Envelope, error)
}

// ErrorKind classifies a CodecError.
type ErrorKind int

// Codec error kinds.
const (
	// ErrMalformed is syntactically invalid input.
	ErrMalformed ErrorKind = iota
	// ErrMissingField is a well-formed frame without type, id or data.
	ErrMissingField
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed"
	case ErrMissingField:
		return "missing field"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CodecError is returned by Decode.
type CodecError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

// Error implements error.
func (e *CodecError) Error() string {
	msg := e.Kind.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying parser error.
func (e *CodecError) Unwrap() error {
	return e.Err
}

// Is matches CodecErrors of the same kind, so
// errors.Is(err, &CodecError{Kind: ErrMissingField}) works.
func (e *CodecError) Is(target error) bool {
	t, ok := target.(*CodecError)
	return ok && t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

func malformed(field string, err error) *CodecError {
	return &CodecError{Kind: ErrMalformed, Field: field, Err: err}
}

func missing(field string) *CodecError {
	return &CodecError{Kind: ErrMissingField, Field: field}
}

// Field names shared by the map based codecs.
const (
	FieldType      = "type"
	FieldID        = "id"
	FieldData      = "data"
	FieldTimestamp = "timestamp"
)

// fromMap validates a generically decoded frame.
// Absent or null fields are missing, fields of the wrong type are malformed.
func fromMap(raw map[string]interface{}, asData func(interface{}) (Data, bool)) (*Envelope, error) {
	env := &Envelope{}
	switch v := raw[FieldType].(type) {
	case nil:
		return nil, missing(FieldType)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, missing(FieldType)
		}
		env.Type = v
	default:
		return nil, malformed(FieldType, fmt.Errorf("unexpected %T", v))
	}

	idVal := raw[FieldID]
	if idVal == nil {
		return nil, missing(FieldID)
	}
	id, ok := idString(idVal)
	if !ok {
		return nil, malformed(FieldID, fmt.Errorf("unexpected %T", idVal))
	}
	if id == "" {
		return nil, missing(FieldID)
	}
	env.ID = id

	dataVal := raw[FieldData]
	if dataVal == nil {
		return nil, missing(FieldData)
	}
	if env.Data, ok = asData(dataVal); !ok {
		return nil, malformed(FieldData, fmt.Errorf("object expected, got %T", dataVal))
	}

	if ts, present := raw[FieldTimestamp]; present && ts != nil {
		env.Timestamp, _ = toUint64(ts)
	}
	return env, nil
}

// CodecByName returns a codec by its Name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", JSONCodecName:
		return JSON, nil
	case ProtoCodecName:
		return Proto, nil
	case CBORCodecName:
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
