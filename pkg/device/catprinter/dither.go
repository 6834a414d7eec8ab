package catprinter

import (
	"fmt"
	"image"
	"image/color"
)

// Algorithm is an error diffusion algorithm reducing grayscale to black and white.
type Algorithm int

const (
	FloydSteinberg Algorithm = iota
	Atkinson
)

func (a Algorithm) String() string {
	switch a {
	case FloydSteinberg:
		return "floyd-steinberg"
	case Atkinson:
		return "atkinson"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm is the inverse of Algorithm.String.
func ParseAlgorithm(name string) (Algorithm, error) {
	for _, a := range []Algorithm{FloydSteinberg, Atkinson} {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown dithering algorithm '%s'", name)
}

type weight struct {
	dx, dy int
	factor float64
}

var (
	floydSteinbergWeights = []weight{
		{1, 0, 7.0 / 16}, {-1, 1, 3.0 / 16}, {0, 1, 5.0 / 16}, {1, 1, 1.0 / 16},
	}
	// Atkinson diffuses only three quarters of the error.
	atkinsonWeights = []weight{
		{1, 0, 1.0 / 8}, {2, 0, 1.0 / 8}, {-1, 1, 1.0 / 8}, {0, 1, 1.0 / 8}, {1, 1, 1.0 / 8}, {0, 2, 1.0 / 8},
	}
)

// Dither returns a copy of gray, rows of 8-bit luminance, in which every pixel is 0 or 255. Each
// pixel is thresholded at 128 in raster order and its quantization error spread over the
// neighbours that are still to be visited. Neighbours outside the image are skipped.
func Dither(gray [][]uint8, algorithm Algorithm) [][]uint8 {
	weights := floydSteinbergWeights
	if algorithm == Atkinson {
		weights = atkinsonWeights
	}
	work := make([][]float64, len(gray))
	for y, row := range gray {
		work[y] = make([]float64, len(row))
		for x, v := range row {
			work[y][x] = float64(v)
		}
	}
	out := make([][]uint8, len(gray))
	for y, row := range work {
		out[y] = make([]uint8, len(row))
		for x, old := range row {
			var value float64
			if old >= 128 {
				value = 255
			}
			out[y][x] = uint8(value)
			quantError := old - value
			for _, w := range weights {
				nx, ny := x+w.dx, y+w.dy
				if ny >= len(work) || nx < 0 || nx >= len(work[ny]) {
					continue
				}
				work[ny][nx] += quantError * w.factor
			}
		}
	}
	return out
}

// Bitmap holds rows of print head dots, 1 for black.
type Bitmap [][]uint8

// NewBitmap maps luminance to dots: anything darker than 128 is printed.
func NewBitmap(gray [][]uint8) Bitmap {
	bitmap := make(Bitmap, len(gray))
	for y, row := range gray {
		bitmap[y] = make([]uint8, len(row))
		for x, v := range row {
			bitmap[y][x] = (255 - v) / 128
		}
	}
	return bitmap
}

// Width is the length of the longest row.
func (b Bitmap) Width() int {
	width := 0
	for _, row := range b {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}

// Grayscale scales img to width pixels (nearest neighbour, aspect ratio kept) and returns its
// luminance. Pixels that are not fully opaque are white, since the paper is.
func Grayscale(img image.Image, width int) [][]uint8 {
	bounds := img.Bounds()
	if bounds.Empty() || width <= 0 {
		return nil
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height == 0 {
		height = 1
	}
	gray := make([][]uint8, height)
	for y := range gray {
		gray[y] = make([]uint8, width)
		sy := bounds.Min.Y + y*bounds.Dy()/height
		for x := range gray[y] {
			sx := bounds.Min.X + x*bounds.Dx()/width
			pixel := img.At(sx, sy)
			if _, _, _, a := pixel.RGBA(); a != 0xFFFF {
				gray[y][x] = 0xFF
				continue
			}
			gray[y][x] = color.GrayModel.Convert(pixel).(color.Gray).Y
		}
	}
	return gray
}

// Rasterize turns img into a full-width printable bitmap.
func Rasterize(img image.Image, algorithm Algorithm) Bitmap {
	return NewBitmap(Dither(Grayscale(img, WidthPixels), algorithm))
}
