package connectapi

import (
	"connectrpc.com/connect"
	jsoniter "github.com/json-iterator/go"
)

// JSONCodec replaces connect's protojson codec so plain Go structs can be
// used as messages.
var JSONCodec connect.Codec = jsonCodec{}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
