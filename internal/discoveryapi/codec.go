package discoveryapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected via
// grpc.CallContentSubtype on every Discovery Handler connection this module
// dials (kubelet connections use the device-plugin protobuf types); the
// server side picks it up automatically from the request's content-subtype.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec is the name to pass to grpc.CallContentSubtype / grpc.ForceServerCodec
// so both ends of a Registration/Discovery connection agree on wire format.
const Codec = codecName
