package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

// CodecID is the one-byte codec tag carried in every payload header.
type CodecID uint8

const (
	CodecJSON CodecID = 1
	CodecCBOR CodecID = 2
)

// Codec marshals the wire envelope. Implementations must be safe for
// concurrent use.
type Codec interface {
	ID() CodecID
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the JSON codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ID() CodecID                        { return CodecJSON }
func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborDefault = mustCBOR()

// CBOR returns a deterministic CBOR codec.
func CBOR() Codec { return cborDefault }

func mustCBOR() cborCodec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

func (cborCodec) ID() CodecID                          { return CodecCBOR }
func (cborCodec) Name() string                         { return "cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByID returns the codec registered under id.
func CodecByID(id CodecID) (Codec, error) {
	switch id {
	case CodecJSON:
		return JSON(), nil
	case CodecCBOR:
		return CBOR(), nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
}

// CodecByName resolves a configured codec name ("json", "cbor").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
