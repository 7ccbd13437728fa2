// Package transport carries the reconciliation protocol over gRPC.
//
// Messages are JSON, not protobuf: the service is registered from a
// hand-written ServiceDesc and both ends select the "json" codec by content
// subtype. The action and AMR shapes are the ones ir already marshals, so
// the wire form matches the log form byte for byte.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the service.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
