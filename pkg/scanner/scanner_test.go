package scanner_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
	"github.com/streamlab/accessorylink/pkg/transport/transporttest"
)

var printerClassifier = scanner.Classifier{
	Family:   "printer",
	Services: []string{"ae30"},
	Match: func(ad *transport.Advertisement) (string, bool) {
		return "mxw01", ad.HasService("ae30")
	},
}

var sensorClassifier = scanner.Classifier{
	Family:   "heart-rate",
	Services: []string{"180d"},
	Match: func(ad *transport.Advertisement) (string, bool) {
		return "", ad.HasService("180d")
	},
}

var cameraClassifier = scanner.Classifier{
	Family: "camera",
	Match: func(ad *transport.Advertisement) (string, bool) {
		return "osmo", strings.HasPrefix(ad.LocalName, "Osmo")
	},
}

var _ = Describe("Scanner", func() {
	var (
		central *transporttest.Central
		s       *scanner.Scanner
		cancel  context.CancelFunc
		done    chan error
	)

	run := func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		Eventually(central.Scanning).Should(Equal(1))
	}

	BeforeEach(func() {
		central = transporttest.NewCentral()
		DeferCleanup(func() {
			if cancel != nil {
				cancel()
				Eventually(done).Should(Receive(BeNil()))
				cancel = nil
			}
		})
	})

	Context("with service classifiers", func() {
		BeforeEach(func() {
			s = scanner.New(central, printerClassifier, sensorClassifier)
		})

		It("classifies and de-duplicates advertisements", func() {
			run()
			central.Advertise(transport.Advertisement{ID: "p1", LocalName: "MXW01", Services: []string{"AE30"}})
			central.Advertise(transport.Advertisement{ID: "h1", Services: []string{"180D"}, RSSI: -70})
			central.Advertise(transport.Advertisement{ID: "h1", Services: []string{"180D"}, RSSI: -40})

			var first scanner.Device
			Eventually(s.Discovered()).Should(Receive(&first))
			Expect(first.ID).To(Equal("p1"))
			Expect(first.Family).To(Equal("printer"))
			Expect(first.Model).To(Equal("mxw01"))

			Eventually(s.Discovered()).Should(Receive())
			Consistently(s.Discovered()).ShouldNot(Receive())

			devices := s.Devices()
			Expect(devices).To(HaveLen(2))
			Expect(devices[1].ID).To(Equal("h1"))
			Expect(devices[1].RSSI).To(Equal(-40))
		})

		It("ignores advertisements outside the filter", func() {
			run()
			central.Advertise(transport.Advertisement{ID: "x", Services: []string{"1814"}})
			Consistently(s.Discovered()).ShouldNot(Receive())
			Expect(s.Devices()).To(BeEmpty())
		})

		It("reports devices again after Forget", func() {
			run()
			central.Advertise(transport.Advertisement{ID: "p1", Services: []string{"ae30"}})
			Eventually(s.Discovered()).Should(Receive())
			s.Forget()
			Expect(s.Devices()).To(BeEmpty())
			central.Advertise(transport.Advertisement{ID: "p1", Services: []string{"ae30"}})
			Eventually(s.Discovered()).Should(Receive())
		})
	})

	Context("with a classifier that needs every advertisement", func() {
		It("scans without a service filter", func() {
			s = scanner.New(central, sensorClassifier, cameraClassifier)
			run()
			central.Advertise(transport.Advertisement{ID: "c1", LocalName: "OsmoAction4"})
			var device scanner.Device
			Eventually(s.Discovered()).Should(Receive(&device))
			Expect(device.Family).To(Equal("camera"))
		})
	})
})
