package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode is returned for scene payloads that cannot be decoded.
var ErrDecode = errors.New("scene decode failed")

// Codec converts scenes to and from their wire representation.
type Codec interface {
	Encode(scene *Scene) ([]byte, error)
	Decode(data []byte) (*Scene, error)
}

// NewCodec returns the codec registered under name ("cbor" or "json").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "cbor":
		return NewCBORCodec()
	case "json":
		return &JSONCodec{Compress: true}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// CBORCodec is the default wire codec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec with deterministic key ordering and
// nanosecond RFC 3339 timestamps.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(scene *Scene) ([]byte, error) {
	return c.enc.Marshal(scene)
}

func (c *CBORCodec) Decode(data []byte) (*Scene, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	var scene Scene
	if err := c.dec.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := scene.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &scene, nil
}

// JSONCodec encodes scenes as JSON, optionally zlib-compressed. Decode
// accepts both forms.
type JSONCodec struct {
	Compress bool
}

func (c *JSONCodec) Encode(scene *Scene) ([]byte, error) {
	data, err := json.Marshal(scene)
	if err != nil {
		return nil, fmt.Errorf("marshaling scene: %w", err)
	}
	if !c.Compress {
		return data, nil
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing scene: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing scene: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *JSONCodec) Decode(data []byte) (*Scene, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	jsonBytes := data
	if data[0] != '{' {
		var err error
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown format: not JSON or zlib-compressed", ErrDecode)
		}
	}

	var scene Scene
	if err := json.Unmarshal(jsonBytes, &scene); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := scene.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &scene, nil
}

// maxInflatedSize bounds the decompressed size of a scene payload.
var maxInflatedSize int64 = 64 << 20

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	if int64(len(decompressed)) > maxInflatedSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxInflatedSize)
	}
	return decompressed, nil
}
