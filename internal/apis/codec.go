package apis

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype both peers must select
// (grpc.CallContentSubtype on the client side).
const CodecName = "grps-json"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries GrpsMessage values as JSON frames. The messages are plain
// structs shared with the HTTP surface, so one schema serves both transports.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := jsonAPI.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grps codec: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

// Marshal encodes v with the shared JSON configuration.
func Marshal(v interface{}) ([]byte, error) { return jsonAPI.Marshal(v) }

// MarshalIndent encodes v with one-space indentation, the format the HTTP
// surface replies with.
func MarshalIndent(v interface{}) ([]byte, error) {
	return jsonAPI.MarshalIndent(v, "", " ")
}

// Unmarshal decodes data with the shared JSON configuration.
func Unmarshal(data []byte, v interface{}) error { return jsonAPI.Unmarshal(data, v) }
