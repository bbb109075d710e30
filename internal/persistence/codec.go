package persistence

import (
	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Codec encodes one top-level section of the document.
type Codec interface {
	Encode(v document.Value) ([]byte, error)
	Decode(data []byte) (document.Value, error)
}

// JSONCodec is the default section codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v document.Value) ([]byte, error) {
	return v.MarshalJSON()
}

func (JSONCodec) Decode(data []byte) (document.Value, error) {
	return document.ParseJSON(data)
}

var _ Codec = JSONCodec{}
