package sample

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// WriteGrid tiles a (N, C, H, W) batch of [-1,1] samples into a PNG at
// path, perRow images per row. C must be 1 or 3.
func WriteGrid(path string, batch *tensor.Dense, perRow int) error {
	shape := batch.Shape()
	if len(shape) != 4 {
		return errors.Errorf("grid: batch must be 4D, got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c != 1 && c != 3 {
		return errors.Errorf("grid: unsupported channel count %d", c)
	}
	if perRow <= 0 {
		perRow = 8
	}
	if perRow > n {
		perRow = n
	}
	rows := (n + perRow - 1) / perRow

	data, ok := batch.Data().([]float64)
	if !ok {
		return errors.New("grid: batch must be float64")
	}
	img := image.NewNRGBA(image.Rect(0, 0, perRow*w, rows*h))
	plane := h * w
	for i := 0; i < n; i++ {
		offX := (i % perRow) * w
		offY := (i / perRow) * h
		base := i * c * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := base + y*w + x
				var r, g, b uint8
				if c == 1 {
					v := toByte(data[idx])
					r, g, b = v, v, v
				} else {
					r = toByte(data[idx])
					g = toByte(data[idx+plane])
					b = toByte(data[idx+2*plane])
				}
				img.SetNRGBA(offX+x, offY+y, color.NRGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "grid dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create grid")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrap(err, "encode grid")
	}
	return errors.Wrap(f.Close(), "close grid")
}

// toByte maps [-1,1] to [0,255], clamping out-of-range values.
func toByte(v float64) uint8 {
	scaled := (v + 1) / 2 * 255
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}
