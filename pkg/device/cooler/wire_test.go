package cooler_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/device/cooler"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

var _ = Describe("Wire", func() {
	It("encodes percentage commands", func() {
		Expect(cooler.SetCoolingPower(40)).To(Equal([]byte{0xA5, 0x11, 0x01, 0x28, 0x04}))
		Expect(cooler.QueryMetadata()).To(Equal([]byte{0xA5, 0x10, 0x00, 0x57}))
	})

	It("rejects out of range values", func() {
		_, err := cooler.SetFanSpeed(101)
		Expect(err).To(HaveOccurred())
		_, err = cooler.SetCoolingPower(-1)
		Expect(err).To(HaveOccurred())
		_, err = cooler.SetLEDColor(cooler.Color{Red: 255}, 120)
		Expect(err).To(HaveOccurred())
	})

	It("decodes status telemetry", func() {
		frames, err := cooler.Split([]byte{0xA5, 0x90, 0x06, 0x81, 0x01, 0xCC, 0xFF, 0x50, 0x32, 0x18})
		Expect(err).ToNot(HaveOccurred())
		Expect(frames).To(HaveLen(1))
		Expect(frames[0].Kind).To(Equal(cooler.KindStatus))
		status, err := cooler.DecodeStatus(frames[0].Payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal(cooler.Status{PhoneTemperature: 38.5, HeatsinkTemperature: -5.2, CoolingPower: 80, FanSpeed: 50}))
	})

	It("splits notifications carrying several frames", func() {
		status := cooler.Frame{Kind: cooler.KindStatus, Payload: cooler.Status{FanSpeed: 10}.Encode()}.Encode()
		unknown := cooler.Frame{Kind: cooler.Kind(0x42), Payload: []byte{1, 2}}.Encode()
		frames, err := cooler.Split(append(unknown, status...))
		Expect(err).ToNot(HaveOccurred())
		Expect(frames).To(HaveLen(2))
		Expect(frames[0].Kind).To(Equal(cooler.Kind(0x42)))
		Expect(frames[1].Kind).To(Equal(cooler.KindStatus))
	})

	It("keeps the frames before a corrupt one", func() {
		good := cooler.QueryMetadata()
		bad := cooler.TurnOffLED()
		bad[len(bad)-1] ^= 0x01
		frames, err := cooler.Split(append(good, bad...))
		Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		Expect(frames).To(HaveLen(1))
	})

	It("reassembles frames split across notifications", func() {
		status := cooler.Frame{Kind: cooler.KindStatus, Payload: cooler.Status{FanSpeed: 10}.Encode()}.Encode()
		query := cooler.QueryMetadata()
		stream := append(append([]byte(nil), status...), query...)

		assembler := cooler.NewAssembler()
		encoded, err := assembler.Push(stream[:2])
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(BeEmpty())
		encoded, err = assembler.Push(stream[2:12])
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(Equal([][]byte{status}))
		encoded, err = assembler.Push(stream[12:])
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(Equal([][]byte{query}))

		frame, err := cooler.Decode(encoded[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(frame.Kind).To(Equal(cooler.KindQueryMetadata))
	})

	It("discards data without a start byte", func() {
		assembler := cooler.NewAssembler()
		_, err := assembler.Push([]byte{0x00, 0x90})
		Expect(err).To(MatchError(protocol.ErrMalformedFrame))
		Expect(assembler.Buffered()).To(BeZero())
	})

	It("rejects truncated frames", func() {
		frame := cooler.QueryMetadata()
		_, err := cooler.Split(frame[:3])
		Expect(err).To(MatchError(protocol.ErrMalformedFrame))
	})
})

var _ = DescribeTable("Step",
	func(current, target, expected int) {
		Expect(cooler.Step(current, target, 5)).To(Equal(expected))
	},
	Entry("up by a full step", 10, 80, 15),
	Entry("up onto the target", 78, 80, 80),
	Entry("down by a full step", 100, 5, 95),
	Entry("down onto the target", 7, 5, 5),
	Entry("at the target", 20, 20, 20),
)

var _ = It("converges on the target without overshooting", func() {
	for _, target := range []int{0, 5, 15, 50, 100} {
		for start := 0; start <= 100; start += 7 {
			current := start
			for i := 0; i < 25; i++ {
				next := cooler.Step(current, target, 5)
				Expect(next - current).To(BeNumerically("<=", 5))
				Expect(current - next).To(BeNumerically("<=", 5))
				if current <= target {
					Expect(next).To(BeNumerically("<=", target))
				} else {
					Expect(next).To(BeNumerically(">=", target))
				}
				current = next
			}
			Expect(current).To(Equal(target))
		}
	}
})
