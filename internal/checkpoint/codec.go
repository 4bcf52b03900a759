package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec serializes thread state for byte-oriented backends.
type Codec interface {
	Name() string
	Marshal(st *State) ([]byte, error)
	Unmarshal(data []byte, st *State) error
}

// zstdMagic is the little-endian zstd frame magic number 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic("checkpoint: cbor encoder initialization failed: " + err.Error())
	}

	// Tool inputs are decoded into map[string]any, never map[any]any.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("checkpoint: cbor decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// JSONCodec encodes state as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(st *State) ([]byte, error) {
	return json.Marshal(st)
}

func (JSONCodec) Unmarshal(data []byte, st *State) error {
	return json.Unmarshal(data, st)
}

// CBORCodec encodes state as deterministic CBOR.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(st *State) ([]byte, error) {
	return cborEnc.Marshal(st)
}

func (CBORCodec) Unmarshal(data []byte, st *State) error {
	return cborDec.Unmarshal(data, st)
}

// frameCodec optionally compresses on write and always accepts both
// compressed and raw input on read.
type frameCodec struct {
	inner    Codec
	compress bool
}

// Compressed wraps c so that encoded state is written as a zstd frame.
func Compressed(c Codec) Codec {
	return &frameCodec{inner: c, compress: true}
}

func (f *frameCodec) Name() string {
	if f.compress {
		return f.inner.Name() + "+zstd"
	}
	return f.inner.Name()
}

func (f *frameCodec) Marshal(st *State) ([]byte, error) {
	data, err := f.inner.Marshal(st)
	if err != nil {
		return nil, err
	}
	if !f.compress {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (f *frameCodec) Unmarshal(data []byte, st *State) error {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		data = raw
	}
	return f.inner.Unmarshal(data, st)
}

// NewCodec returns the codec registered under name ("json" or "cbor").
// Reads transparently accept zstd frames whether or not compress is set.
func NewCodec(name string, compress bool) (Codec, error) {
	var inner Codec
	switch name {
	case "", "json":
		inner = JSONCodec{}
	case "cbor":
		inner = CBORCodec{}
	default:
		return nil, fmt.Errorf("unknown checkpoint codec %q (expected json or cbor)", name)
	}
	return &frameCodec{inner: inner, compress: compress}, nil
}

// decoderFor returns the codec able to read a checkpoint written under the
// stored codec name. Rows written before the name was recorded fall back to
// the configured codec.
func decoderFor(stored string, configured Codec) (Codec, error) {
	if stored == "" || stored == configured.Name() {
		return configured, nil
	}
	base := strings.TrimSuffix(stored, "+zstd")
	if base == "" {
		return nil, fmt.Errorf("unknown checkpoint codec %q", stored)
	}
	return NewCodec(base, false)
}
