package envelope

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodecName names the CBOR codec.
const CBORCodecName = "cbor"

// CBOR is the compact codec for links with a small MTU.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborFrame struct {
	Type      string `cbor:"type"`
	ID        string `cbor:"id"`
	Data      Data   `cbor:"data"`
	Timestamp uint64 `cbor:"timestamp"`
}

func newCBORCodec() *cborCodec {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthForbidden,
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Name() string { return CBORCodecName }

func (c *cborCodec) Encode(env *Envelope) ([]byte, error) {
	frame := cborFrame{Type: env.Type, ID: env.ID, Data: env.Data, Timestamp: env.Timestamp}
	if frame.Data == nil {
		frame.Data = Data{}
	}
	return c.enc.Marshal(&frame)
}

func (c *cborCodec) Decode(pkt []byte) (*Envelope, error) {
	var raw interface{}
	if err := c.dec.Unmarshal(pkt, &raw); err != nil {
		return nil, malformed("", err)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, malformed("", errors.New("map expected"))
	}
	return fromMap(obj, asObject)
}
