package sublevel

import (
	"encoding/json"
)

// Codec encodes the items stored in a [Sublevel]. Secondary indexes read fields out of the
// encoded form with gjson, so they are only usable with codecs that produce JSON.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default [Codec].
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
