package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
)

// Codec converts between typed values and resource bodies.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// ContentType is sent with bodies produced by Marshal.
	ContentType() string
}

// JSONCodec implements Codec using encoding/json. It is the default.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) ContentType() string                { return "application/json" }

// GobCodec implements Codec using encoding/gob, for origins that are Go
// services themselves.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (GobCodec) ContentType() string { return "application/x-gob" }

// ByteCodec passes raw byte slices through untouched.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: ByteCodec marshals []byte, got %T", rerrors.ErrCodec, v)
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	if ptr, ok := v.(*[]byte); ok {
		*ptr = data
		return nil
	}
	return fmt.Errorf("%w: ByteCodec unmarshals into *[]byte, got %T", rerrors.ErrCodec, v)
}

func (ByteCodec) ContentType() string { return "application/octet-stream" }
