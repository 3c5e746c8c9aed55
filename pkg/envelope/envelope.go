// Package envelope defines the typed message wrapper exchanged between a
// device and its controller, and the codecs turning it into frames.
package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Envelope is the wire message shape shared by every transport.
type Envelope struct {
	Type string
	ID   string
	Data Data
	// Timestamp is device clock milliseconds since boot. Ignored on input.
	Timestamp uint64
}

// Data is the handler specific payload of an Envelope.
type Data map[string]interface{}

// Has tells whether key is present and not null.
func (d Data) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// String returns the string value of key. Non-string values are reported
// as absent.
func (d Data) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Uint64 returns key as an unsigned integer. Numbers decoded by any codec
// are accepted as long as they are non-negative integers.
func (d Data) Uint64(key string) (uint64, bool) {
	return toUint64(d[key])
}

// Bool returns the boolean value of key.
func (d Data) Bool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// Decode converts the payload into a typed struct using its json tags.
func (d Data) Decode(out interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// DataOf converts a typed payload into Data using its json tags.
// Integers stay integers.
func DataOf(v interface{}) (Data, error) {
	if d, ok := v.(Data); ok {
		return d, nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return Data(m), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	d, err := parseDataJSON(raw)
	if err != nil {
		return nil, err
	}
	return nativeNumbers(d).(Data), nil
}

// nativeNumbers replaces json.Number with int64, uint64 or float64 so the
// payload encodes as numbers in every codec.
func nativeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case Data:
		for k, item := range val {
			val[k] = nativeNumbers(item)
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = nativeNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = nativeNumbers(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(val.String(), 10, 64); err == nil {
			return u
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	}
	return v
}

// MustDataOf is DataOf for payload types known to be serializable.
func MustDataOf(v interface{}) Data {
	d, err := DataOf(v)
	if err != nil {
		panic(err)
	}
	return d
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToUint64(f)
	case float64:
		return floatToUint64(n)
	case float32:
		return floatToUint64(float64(n))
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int32:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

func floatToUint64(f float64) (uint64, bool) {
	if f < 0 || f != math.Trunc(f) || f > math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

// idString normalises a correlation id. Controllers send either strings
// or numbers.
func idString(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, true
	case json.Number:
		return id.String(), true
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatFloat(id, 'f', -1, 64), true
		}
		return "", false
	case uint64:
		return strconv.FormatUint(id, 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	}
	return "", false
}

// String implements fmt.Stringer, used in logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s#%s@%d", e.Type, e.ID, e.Timestamp)
}
