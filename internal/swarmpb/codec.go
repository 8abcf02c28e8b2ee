package swarmpb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype the codec answers to.
const CodecName = "proto"

// Codec marshals the messages of this package for gRPC. Servers install it with
// grpc.ForceServerCodec and clients with grpc.ForceCodec.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("swarmpb codec: cannot marshal %T", v)
	}
	return Marshal(m), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("swarmpb codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (Codec) Name() string { return CodecName }
