package middleware

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// jsonCodec carries plain Go structs over connect. It registers under the
// name "json" so the standard connect JSON content types apply.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// JSONCodec is the connect option every handler and client in this module uses.
func JSONCodec() connect.Option {
	return connect.WithCodec(jsonCodec{})
}
