package catprinter_test

import (
	"bytes"
	"image"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/device/catprinter"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
	"github.com/streamlab/accessorylink/pkg/transport/transporttest"
)

const (
	printerID  = "C0:11:22:33:44:55"
	printerMTU = 20
)

var fastOptions = lifecycle.Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, ConnectTimeout: time.Second}

// fakePrinter answers device state queries and records everything else it is sent.
type fakePrinter struct {
	peripheral *transporttest.Peripheral

	lock    sync.Mutex
	state   catprinter.DeviceState
	mute    bool
	split   bool
	queries int
	data    []byte
}

func newFakePrinter(central *transporttest.Central) *fakePrinter {
	f := &fakePrinter{}
	f.peripheral = transporttest.NewPeripheral(printerID, printerMTU,
		transport.Endpoint{Service: "ae30", Characteristic: "ae01", WriteNoAck: true},
		transport.Endpoint{Service: "ae30", Characteristic: "ae02", Notify: true},
	)
	f.peripheral.OnWrite(f.onWrite)
	central.AddPeripheral(f.peripheral, transport.Advertisement{LocalName: "GB03", Services: []string{"AF30"}})
	return f
}

func (f *fakePrinter) onWrite(w transporttest.Write) {
	f.lock.Lock()
	if !bytes.Equal(w.Data, catprinter.GetDeviceState()) {
		f.data = append(f.data, w.Data...)
		f.lock.Unlock()
		return
	}
	f.queries++
	mute, split, state := f.mute, f.split, f.state
	f.lock.Unlock()
	if !mute {
		f.notify(catprinter.CommandGetDeviceState, state.Encode(), split)
	}
}

// notify sends a frame, in two notifications when split is set.
func (f *fakePrinter) notify(cmd catprinter.Command, data []byte, split bool) {
	frame, err := catprinter.Encode(cmd, data)
	Expect(err).ToNot(HaveOccurred())
	if split {
		f.peripheral.Notify("ae02", frame[:4])
		f.peripheral.Notify("ae02", frame[4:])
		return
	}
	f.peripheral.Notify("ae02", frame)
}

func (f *fakePrinter) set(fn func(f *fakePrinter)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	fn(f)
}

func (f *fakePrinter) Data() []byte {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]byte(nil), f.data...)
}

func (f *fakePrinter) Queries() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.queries
}

func midGray() catprinter.Bitmap {
	return catprinter.NewBitmap(catprinter.Dither(uniform(16, 8, 128), catprinter.FloydSteinberg))
}

func expectedStream(bitmap catprinter.Bitmap, feed bool) []byte {
	stream, err := catprinter.PrintCommands(bitmap, feed)
	Expect(err).ToNot(HaveOccurred())
	return stream
}

var _ = Describe("Printer", func() {
	var (
		central *transporttest.Central
		fake    *fakePrinter
		printer *catprinter.Printer
		cfg     catprinter.Config
	)

	start := func() {
		printer = catprinter.New(central, cfg, fastOptions)
		printer.Start(printerID)
		DeferCleanup(printer.Stop)
		Eventually(printer.State).Should(Equal(lifecycle.Connected))
	}

	submit := func(bitmap catprinter.Bitmap) chan error {
		done := make(chan error, 1)
		Expect(printer.PrintBitmap(bitmap, func(err error) { done <- err })).To(Succeed())
		return done
	}

	BeforeEach(func() {
		central = transporttest.NewCentral()
		fake = newFakePrinter(central)
		cfg = catprinter.Config{ChunkInterval: time.Millisecond, JobTimeout: time.Second}
	})

	It("streams the command stream in MTU-sized chunks once the printer is ready", func() {
		start()
		done := submit(midGray())
		Eventually(done).Should(Receive(BeNil()))

		Expect(fake.Data()).To(Equal(expectedStream(midGray(), true)))
		writes := fake.peripheral.Writes()
		Expect(writes[0].Data).To(Equal(catprinter.GetDeviceState()))
		for _, w := range writes {
			Expect(len(w.Data)).To(BeNumerically("<=", printerMTU))
			Expect(w.WithAck).To(BeFalse())
			Expect(w.Characteristic).To(Equal("ae01"))
		}

		var e catprinter.Event
		Eventually(printer.Events()).Should(Receive(&e))
		Expect(e.Kind).To(Equal(catprinter.StateReported))
		Eventually(printer.Events()).Should(Receive(&e))
		Expect(e.Kind).To(Equal(catprinter.JobCompleted))
	})

	It("prints images", func() {
		start()
		img := image.NewGray(image.Rect(0, 0, 768, 4))
		done := make(chan error, 1)
		Expect(printer.Print(img, func(err error) { done <- err })).To(Succeed())
		Eventually(done).Should(Receive(BeNil()))
		Expect(fake.Data()).To(Equal(expectedStream(catprinter.Rasterize(img, catprinter.FloydSteinberg), true)))
	})

	It("fails the job when the printer is out of paper", func() {
		fake.set(func(f *fakePrinter) { f.state.NoPaper = true })
		start()
		done := submit(midGray())
		Eventually(done).Should(Receive(MatchError(catprinter.ErrNoPaper)))
		Expect(fake.Data()).To(BeEmpty())

		var e catprinter.Event
		Eventually(printer.Events()).Should(Receive(&e))
		Expect(e.State.NoPaper).To(BeTrue())
		Eventually(printer.Events()).Should(Receive(&e))
		Expect(e.Kind).To(Equal(catprinter.JobFailed))
	})

	It("follows write pacing", func() {
		cfg.ChunkInterval = time.Hour
		start()
		done := submit(midGray())
		Eventually(func() int { return len(fake.Data()) }).Should(Equal(printerMTU))

		fake.notify(catprinter.CommandWritePacing, []byte{0x01}, false)
		Consistently(func() int { return len(fake.Data()) }, 50*time.Millisecond).Should(Equal(printerMTU))

		fake.notify(catprinter.CommandWritePacing, []byte{0x00}, false)
		Eventually(func() int { return len(fake.Data()) }).Should(Equal(2 * printerMTU))

		for i := 0; i < 10; i++ {
			fake.notify(catprinter.CommandWritePacing, []byte{0x00}, false)
		}
		Eventually(done).Should(Receive(BeNil()))
		Expect(fake.Data()).To(Equal(expectedStream(midGray(), true)))
	})

	It("feeds the paper once the queue has been idle", func() {
		cfg.FeedDelay = 20 * time.Millisecond
		start()
		done := submit(midGray())
		Eventually(done).Should(Receive(BeNil()))
		Eventually(fake.Data).Should(Equal(append(expectedStream(midGray(), false), catprinter.FeedPaper()...)))
	})

	It("limits the queue", func() {
		cfg.MaxJobs = 1
		printer = catprinter.New(central, cfg, fastOptions)
		printer.Start("00:00:00:00:00:00")
		DeferCleanup(printer.Stop)

		first := submit(midGray())
		second := submit(midGray())
		Eventually(second).Should(Receive(MatchError(protocol.ErrBusy)))
		Consistently(first).ShouldNot(Receive())
	})

	It("abandons jobs the printer does not answer", func() {
		cfg.JobTimeout = 50 * time.Millisecond
		fake.set(func(f *fakePrinter) { f.mute = true })
		start()
		Eventually(submit(midGray())).Should(Receive(MatchError(protocol.ErrTimeout)))

		fake.set(func(f *fakePrinter) { f.mute = false })
		Eventually(submit(midGray())).Should(Receive(BeNil()))
	})

	It("fails the current job on link loss and prints the queue after reconnecting", func() {
		fake.set(func(f *fakePrinter) { f.mute = true })
		start()
		first := submit(midGray())
		Eventually(fake.Queries).Should(Equal(1))
		second := submit(midGray())

		fake.set(func(f *fakePrinter) { f.mute = false })
		fake.peripheral.Drop()
		Eventually(first).Should(Receive(MatchError(protocol.ErrNotConnected)))
		Eventually(second).Should(Receive(BeNil()))
		Expect(central.ConnectCount()).To(Equal(2))
	})

	It("ignores corrupt notifications", func() {
		start()
		frame, err := catprinter.Encode(catprinter.CommandGetDeviceState, []byte{0x01})
		Expect(err).ToNot(HaveOccurred())
		frame[len(frame)-2] ^= 0xFF
		fake.peripheral.Notify("ae02", frame)
		fake.peripheral.Notify("ae02", []byte{0x00, 0x01, 0x02})
		Consistently(printer.Events(), 50*time.Millisecond).ShouldNot(Receive())
		Eventually(submit(midGray())).Should(Receive(BeNil()))
	})

	It("reassembles frames split across notifications", func() {
		fake.set(func(f *fakePrinter) { f.split = true })
		start()
		done := submit(midGray())
		Eventually(printer.Events()).Should(Receive(Equal(catprinter.Event{Kind: catprinter.StateReported})))
		Eventually(done).Should(Receive(BeNil()))
		Expect(fake.Data()).To(Equal(expectedStream(midGray(), true)))
	})

	It("refuses jobs once stopped", func() {
		start()
		printer.Stop()
		Expect(printer.PrintBitmap(midGray(), nil)).To(MatchError(protocol.ErrStopped))
	})
})
