// Package codec serializes invocation arguments. The engine itself moves
// opaque payload bytes; the typed endpoints in package remote pick a codec,
// and both sides of an endpoint id must agree on it.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeGob  CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Gob
}

// GetCodec maps a codec type to its implementation. Unknown types fall back
// to JSON, the cross-language default.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeGob {
		return &GobCodec{}
	}
	return &JSONCodec{}
}
