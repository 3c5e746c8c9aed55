package envelope

import (
	"encoding/json"

	"github.com/golang/protobuf/proto"
)

// ProtoCodecName names the protobuf codec.
const ProtoCodecName = "proto"

// Proto is the binary codec. Data travels as an embedded JSON object since
// its shape is handler specific.
var Proto Codec = protoCodec{}

type protoCodec struct{}

// Frame is the protobuf wire form of an Envelope.
type Frame struct {
	Type      string `protobuf:"bytes,1,opt,name=type,proto3" json:"type,omitempty"`
	Id        string `protobuf:"bytes,2,opt,name=id,proto3" json:"id,omitempty"`
	Data      []byte `protobuf:"bytes,3,opt,name=data,proto3" json:"data,omitempty"`
	Timestamp uint64 `protobuf:"varint,4,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

// ProtoMessage implements proto.Message.
func (m *Frame) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Frame) Reset() { *m = Frame{} }

// String implements proto.Message.
func (m *Frame) String() string { return proto.CompactTextString(m) }

func (protoCodec) Name() string { return ProtoCodecName }

func (protoCodec) Encode(env *Envelope) ([]byte, error) {
	data := env.Data
	if data == nil {
		data = Data{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(&Frame{Type: env.Type, Id: env.ID, Data: raw, Timestamp: env.Timestamp})
}

// Decode treats empty proto3 fields as absent.
func (protoCodec) Decode(pkt []byte) (*Envelope, error) {
	var frame Frame
	if err := proto.Unmarshal(pkt, &frame); err != nil {
		return nil, malformed("", err)
	}
	switch {
	case frame.Type == "":
		return nil, missing(FieldType)
	case frame.Id == "":
		return nil, missing(FieldID)
	case len(frame.Data) == 0:
		return nil, missing(FieldData)
	}
	var data interface{}
	if err := decodeJSON(frame.Data, &data); err != nil {
		return nil, malformed(FieldData, err)
	}
	if data == nil {
		return nil, missing(FieldData)
	}
	obj, ok := asObject(data)
	if !ok {
		return nil, malformed(FieldData, nil)
	}
	return &Envelope{Type: frame.Type, ID: frame.Id, Data: obj, Timestamp: frame.Timestamp}, nil
}
