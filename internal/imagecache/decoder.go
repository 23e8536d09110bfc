package imagecache

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/webp"
)

// ErrDecode 表示字节无法解码为受支持的图片格式。
var ErrDecode = errors.New("image decode failed")

// Decoder 把原始字节转换为图片。
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (image.Image, error)

func (f DecoderFunc) Decode(data []byte) (image.Image, error) {
	return f(data)
}

// DefaultDecoder 先用 mimetype 嗅探格式，再交给对应的解码器。
type DefaultDecoder struct{}

func (DefaultDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	mt := mimetype.Detect(data)
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch {
	case mt.Is("image/png"):
		img, err = png.Decode(r)
	case mt.Is("image/jpeg"):
		img, err = jpeg.Decode(r)
	case mt.Is("image/gif"):
		img, err = gif.Decode(r)
	case mt.Is("image/webp"):
		img, err = webp.Decode(r)
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrDecode, mt.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}
