package core

import "encoding/json"

// Codec translates caller values to and from the serialized string form held
// in the mirror and the durable store.
type Codec interface {
	Encode(v any) (string, error)
	Decode(raw string, dst any) error
	Name() string
}

// JSONCodec is the default codec. Schema validation operates on the JSON
// form, so any value that round-trips through this codec can be validated.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	return string(b), nil
}

func (JSONCodec) Decode(raw string, dst any) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}

func (JSONCodec) Name() string { return "json" }
