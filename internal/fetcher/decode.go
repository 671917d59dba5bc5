package fetcher

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register decoders
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 95

// toJPEG validates body as an image and returns JPEG bytes. JPEG payloads
// are passed through untouched; other formats are re-encoded.
func toJPEG(body []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if format == "jpeg" {
		return body, format, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, format, fmt.Errorf("encode %s as jpeg: %w", format, err)
	}
	return buf.Bytes(), format, nil
}
