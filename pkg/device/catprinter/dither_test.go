package catprinter_test

import (
	"image"
	"image/color"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/device/catprinter"
)

func uniform(width, height int, value uint8) [][]uint8 {
	gray := make([][]uint8, height)
	for y := range gray {
		gray[y] = make([]uint8, width)
		for x := range gray[y] {
			gray[y][x] = value
		}
	}
	return gray
}

func whiteFraction(pixels [][]uint8) float64 {
	white, total := 0, 0
	for _, row := range pixels {
		for _, v := range row {
			total++
			if v == 255 {
				white++
			}
		}
	}
	return float64(white) / float64(total)
}

func packed(bitmap catprinter.Bitmap) [][]byte {
	var rows [][]byte
	for _, row := range bitmap {
		rows = append(rows, catprinter.PackRow(row))
	}
	return rows
}

// frames splits a command stream into frames.
func frames(stream []byte) [][]byte {
	var out [][]byte
	for len(stream) > 0 {
		n := 8 + (int(stream[4]) | int(stream[5])<<8)
		out = append(out, stream[:n])
		stream = stream[n:]
	}
	return out
}

var _ = Describe("Dither", func() {
	It("prints a mid-gray image as a checkerboard", func() {
		bitmap := catprinter.NewBitmap(catprinter.Dither(uniform(16, 8, 128), catprinter.FloydSteinberg))
		rows := packed(bitmap)
		Expect(rows).To(HaveLen(8))
		for y, row := range rows {
			if y%2 == 0 {
				Expect(row).To(Equal([]byte{0xAA, 0xAA}), "row %d", y)
			} else {
				Expect(row).To(Equal([]byte{0x55, 0x55}), "row %d", y)
			}
		}
	})

	It("wraps every row in a draw command with its own checksum", func() {
		bitmap := catprinter.NewBitmap(catprinter.Dither(uniform(16, 8, 128), catprinter.FloydSteinberg))
		stream, err := catprinter.PrintCommands(bitmap, true)
		Expect(err).ToNot(HaveOccurred())

		var commands []catprinter.Command
		var rows [][]byte
		for _, frame := range frames(stream) {
			cmd, data, err := catprinter.Decode(frame)
			Expect(err).ToNot(HaveOccurred())
			commands = append(commands, cmd)
			if cmd == catprinter.CommandDrawRow {
				Expect(frame[len(frame)-2]).To(Equal(bitwiseCRC8(data)))
				rows = append(rows, frame[len(frame)-4:len(frame)-1])
			}
		}
		Expect(commands).To(Equal([]catprinter.Command{
			catprinter.CommandSetQuality,
			catprinter.CommandLattice,
			catprinter.CommandSetEnergy,
			catprinter.CommandSetDrawMode,
			catprinter.CommandDrawRow, catprinter.CommandDrawRow, catprinter.CommandDrawRow, catprinter.CommandDrawRow,
			catprinter.CommandDrawRow, catprinter.CommandDrawRow, catprinter.CommandDrawRow, catprinter.CommandDrawRow,
			catprinter.CommandFeedPaper,
			catprinter.CommandLattice,
		}))
		Expect(rows[0]).To(Equal([]byte{0xAA, 0xAA, 0xC5}))
		Expect(rows[1]).To(Equal([]byte{0x55, 0x55, 0xE1}))
	})

	It("leaves out the feed on request", func() {
		stream, err := catprinter.PrintCommands(catprinter.Bitmap{{1, 0}}, false)
		Expect(err).ToNot(HaveOccurred())
		for _, frame := range frames(stream) {
			Expect(frame[2]).ToNot(Equal(byte(catprinter.CommandFeedPaper)))
		}
	})

	It("produces only pure black and white within the image bounds", func() {
		random := rand.New(rand.NewSource(1))
		for _, size := range [][2]int{{1, 1}, {1, 7}, {7, 1}, {13, 9}} {
			gray := make([][]uint8, size[1])
			for y := range gray {
				gray[y] = make([]uint8, size[0])
				for x := range gray[y] {
					gray[y][x] = uint8(random.Intn(256))
				}
			}
			original := make([][]uint8, len(gray))
			for y := range gray {
				original[y] = append([]uint8(nil), gray[y]...)
			}
			for _, algorithm := range []catprinter.Algorithm{catprinter.FloydSteinberg, catprinter.Atkinson} {
				out := catprinter.Dither(gray, algorithm)
				Expect(out).To(HaveLen(size[1]))
				for _, row := range out {
					Expect(row).To(HaveLen(size[0]))
					for _, v := range row {
						Expect(v).To(Or(Equal(uint8(0)), Equal(uint8(255))))
					}
				}
				Expect(gray).To(Equal(original))
			}
		}
	})

	It("conserves the average intensity", func() {
		for _, value := range []uint8{64, 200} {
			out := catprinter.Dither(uniform(64, 64, value), catprinter.FloydSteinberg)
			Expect(whiteFraction(out)).To(BeNumerically("~", float64(value)/255, 0.01), "gray %d", value)
		}
	})

	It("keeps black and white untouched", func() {
		for _, algorithm := range []catprinter.Algorithm{catprinter.FloydSteinberg, catprinter.Atkinson} {
			Expect(catprinter.Dither(uniform(8, 4, 0), algorithm)).To(Equal(uniform(8, 4, 0)))
			Expect(catprinter.Dither(uniform(8, 4, 255), algorithm)).To(Equal(uniform(8, 4, 255)))
		}
	})

	It("diffuses with Atkinson's pattern", func() {
		rows := packed(catprinter.NewBitmap(catprinter.Dither(uniform(16, 8, 128), catprinter.Atkinson)))
		Expect(rows[0]).To(Equal([]byte{0x66, 0x66}))
		Expect(rows[1]).To(Equal([]byte{0x99, 0x99}))
		Expect(rows[2]).To(Equal([]byte{0x99, 0x99}))
		Expect(rows[3]).To(Equal([]byte{0x66, 0x66}))
	})

	It("parses algorithm names", func() {
		Expect(catprinter.ParseAlgorithm("atkinson")).To(Equal(catprinter.Atkinson))
		_, err := catprinter.ParseAlgorithm("ordered")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Grayscale", func() {
	It("scales to the requested width", func() {
		img := image.NewGray(image.Rect(0, 0, 768, 10))
		for i := range img.Pix {
			img.Pix[i] = 100
		}
		gray := catprinter.Grayscale(img, catprinter.WidthPixels)
		Expect(gray).To(HaveLen(5))
		Expect(gray[0]).To(HaveLen(catprinter.WidthPixels))
		Expect(gray[4][383]).To(Equal(uint8(100)))
	})

	It("treats transparent pixels as paper", func() {
		img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
		img.Set(0, 0, color.NRGBA{A: 0xFF})
		img.Set(1, 0, color.NRGBA{A: 0x80})
		Expect(catprinter.Grayscale(img, 2)).To(Equal([][]uint8{{0, 255}}))
	})

	It("rasterizes images to full width", func() {
		bitmap := catprinter.Rasterize(image.NewGray(image.Rect(0, 0, 192, 3)), catprinter.Atkinson)
		Expect(bitmap).To(HaveLen(6))
		Expect(bitmap.Width()).To(Equal(catprinter.WidthPixels))
		Expect(bitmap[0][0]).To(Equal(uint8(1)))
	})
})
