package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONCodecName names the JSON codec.
const JSONCodecName = "json"

// JSON is the default text codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Data      Data   `json:"data"`
	Timestamp uint64 `json:"timestamp"`
}

func (jsonCodec) Name() string { return JSONCodecName }

func (jsonCodec) Encode(env *Envelope) ([]byte, error) {
	frame := jsonFrame{Type: env.Type, ID: env.ID, Data: env.Data, Timestamp: env.Timestamp}
	if frame.Data == nil {
		frame.Data = Data{}
	}
	return json.Marshal(&frame)
}

func (jsonCodec) Decode(pkt []byte) (*Envelope, error) {
	var raw interface{}
	if err := decodeJSON(pkt, &raw); err != nil {
		return nil, malformed("", err)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, malformed("", errors.New("object expected"))
	}
	return fromMap(obj, asObject)
}

func asObject(v interface{}) (Data, bool) {
	m, ok := v.(map[string]interface{})
	return Data(m), ok
}

// decodeJSON keeps numbers as json.Number and rejects trailing garbage.
func decodeJSON(pkt []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(pkt))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after object")
	}
	return nil
}

func parseDataJSON(raw []byte) (Data, error) {
	var d Data
	if err := decodeJSON(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}
