package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"
)

// ImageSize is the spatial resolution every decoded image is resampled to.
const ImageSize = 64

// DecodeImage decodes raw JPEG or PNG bytes, resamples them to
// ImageSize x ImageSize with nearest-neighbor lookup and returns CHW
// float64 pixels scaled to [-1, 1]. channels must be 1 (grayscale
// intensity) or 3 (RGB).
func DecodeImage(raw []byte, channels int) ([]float64, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("decode: unsupported channel count %d", channels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("decode: empty image")
	}

	out := make([]float64, channels*ImageSize*ImageSize)
	plane := ImageSize * ImageSize
	stepX := float64(width) / float64(ImageSize)
	stepY := float64(height) / float64(ImageSize)
	for gy := 0; gy < ImageSize; gy++ {
		for gx := 0; gx < ImageSize; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			idx := gy*ImageSize + gx
			if channels == 1 {
				intensity := (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
				out[idx] = intensity*2 - 1
				continue
			}
			out[idx] = float64(r)/65535.0*2 - 1
			out[plane+idx] = float64(g)/65535.0*2 - 1
			out[2*plane+idx] = float64(b)/65535.0*2 - 1
		}
	}
	return out, nil
}
