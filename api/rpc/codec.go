// Package rpc carries the JSON wire codec and the service-descriptor helpers shared
// by the hand-written gRPC APIs under api/.
package rpc

import (
	"github.com/bytedance/sonic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the JSON codec ("application/grpc+json").
const CodecName = "json"

// Codec marshals request and response messages as JSON, byte-compatible with encoding/json.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return sonic.ConfigStd.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return sonic.ConfigStd.Unmarshal(data, v) }
func (Codec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// CallOption selects the JSON codec for one client call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

// DialOption makes JSON the default codec for every call on a client connection.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(CallOption())
}
