package catprinter_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/device/catprinter"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

// bitwiseCRC8 computes CRC-8 (poly 0x07) without a lookup table.
func bitwiseCRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

var _ = Describe("Frames", func() {
	Describe("Encode", func() {
		It("frames the get-device-state query", func() {
			Expect(catprinter.GetDeviceState()).To(Equal([]byte{0x51, 0x78, 0xA3, 0x00, 0x01, 0x00, 0x00, 0x00, 0xFF}))
		})

		It("appends the checksum of the data before the trailer", func() {
			frame, err := catprinter.Encode(catprinter.CommandSetQuality, []byte{0x35})
			Expect(err).ToNot(HaveOccurred())
			Expect(frame).To(Equal([]byte{0x51, 0x78, 0xA4, 0x00, 0x01, 0x00, 0x35, 0x8B, 0xFF}))
		})

		It("encodes the length little endian", func() {
			frame, err := catprinter.Encode(catprinter.CommandDrawRow, make([]byte, 0x130))
			Expect(err).ToNot(HaveOccurred())
			Expect(frame[4:6]).To(Equal([]byte{0x30, 0x01}))
			Expect(frame).To(HaveLen(0x130 + 8))
		})

		It("refuses oversized data", func() {
			_, err := catprinter.Encode(catprinter.CommandDrawRow, make([]byte, 0x10000))
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		})

		It("feeds fifty pixels", func() {
			Expect(catprinter.FeedPaper()).To(Equal([]byte{0x51, 0x78, 0xA1, 0x00, 0x02, 0x00, 0x32, 0x00, 0xD3, 0xFF}))
		})
	})

	Describe("Decode", func() {
		var frame []byte

		BeforeEach(func() {
			var err error
			frame, err = catprinter.Encode(catprinter.CommandGetDeviceState, []byte{0x05})
			Expect(err).ToNot(HaveOccurred())
		})

		It("returns command and data", func() {
			cmd, data, err := catprinter.Decode(frame)
			Expect(err).ToNot(HaveOccurred())
			Expect(cmd).To(Equal(catprinter.CommandGetDeviceState))
			Expect(data).To(Equal([]byte{0x05}))
		})

		It("rejects every single bit flip in the data or checksum", func() {
			for i := 6; i < 8; i++ {
				for bit := 0; bit < 8; bit++ {
					corrupt := append([]byte(nil), frame...)
					corrupt[i] ^= 1 << bit
					_, _, err := catprinter.Decode(corrupt)
					Expect(err).To(MatchError(protocol.ErrMalformedFrame), "byte %d bit %d", i, bit)
				}
			}
		})

		It("rejects a bad magic", func() {
			frame[1] = 0x79
			_, _, err := catprinter.Decode(frame)
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		})

		It("rejects a bad trailer", func() {
			frame[len(frame)-1] = 0xFE
			_, _, err := catprinter.Decode(frame)
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		})

		It("rejects truncated frames", func() {
			for n := 0; n < len(frame); n++ {
				_, _, err := catprinter.Decode(frame[:n])
				Expect(err).To(MatchError(protocol.ErrMalformedFrame), "length %d", n)
			}
		})

		It("rejects unknown commands", func() {
			unknown, err := catprinter.Encode(catprinter.Command(0x42), nil)
			Expect(err).ToNot(HaveOccurred())
			_, _, err = catprinter.Decode(unknown)
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		})
	})

	Describe("Assembler", func() {
		It("waits for the declared length before handing out a frame", func() {
			state, err := catprinter.Encode(catprinter.CommandGetDeviceState, []byte{0x05})
			Expect(err).ToNot(HaveOccurred())
			pacing, err := catprinter.Encode(catprinter.CommandWritePacing, []byte{0x00})
			Expect(err).ToNot(HaveOccurred())
			stream := append(append([]byte(nil), state...), pacing...)

			assembler := catprinter.NewAssembler()
			frames, err := assembler.Push(stream[:4])
			Expect(err).ToNot(HaveOccurred())
			Expect(frames).To(BeEmpty())
			frames, err = assembler.Push(stream[4:12])
			Expect(err).ToNot(HaveOccurred())
			Expect(frames).To(Equal([][]byte{state}))
			frames, err = assembler.Push(stream[12:])
			Expect(err).ToNot(HaveOccurred())
			Expect(frames).To(Equal([][]byte{pacing}))
			Expect(assembler.Buffered()).To(BeZero())
		})

		It("discards data that does not start with the magic", func() {
			assembler := catprinter.NewAssembler()
			_, err := assembler.Push([]byte{0x51, 0x79, 0xA3})
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
			Expect(assembler.Buffered()).To(BeZero())
		})
	})

	Describe("DeviceState", func() {
		It("decodes the status bits", func() {
			state, err := catprinter.DecodeDeviceState([]byte{0x05})
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(catprinter.DeviceState{NoPaper: true, Overheated: true}))
			Expect(state.Encode()).To(Equal([]byte{0x05}))
		})

		It("reports why printing is impossible", func() {
			Expect(catprinter.DeviceState{}.Err()).To(Succeed())
			Expect(catprinter.DeviceState{BatteryLow: true}.Err()).To(Succeed())
			Expect(catprinter.DeviceState{CoverOpen: true}.Err()).To(MatchError(catprinter.ErrCoverOpen))
			Expect(catprinter.DeviceState{NoPaper: true, Overheated: true}.Err()).To(MatchError(catprinter.ErrNoPaper))
			Expect(catprinter.DeviceState{Overheated: true}.Err()).To(MatchError(catprinter.ErrOverheated))
		})

		It("needs a status byte", func() {
			_, err := catprinter.DecodeDeviceState(nil)
			Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		})
	})

	Describe("DecodeWritePacing", func() {
		It("is ready on zero", func() {
			Expect(catprinter.DecodeWritePacing([]byte{0x00})).To(BeTrue())
			Expect(catprinter.DecodeWritePacing([]byte{0x01})).To(BeFalse())
		})

		It("needs exactly one byte", func() {
			_, err := catprinter.DecodeWritePacing([]byte{0x00, 0x00})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("PackRow", func() {
		It("maps pixel i of each group to bit i", func() {
			row := []uint8{1, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 1}
			Expect(catprinter.PackRow(row)).To(Equal([]byte{0x01, 0x82}))
		})

		It("pads a partial group", func() {
			Expect(catprinter.PackRow([]uint8{0, 0, 1})).To(Equal([]byte{0x04}))
		})
	})
})
