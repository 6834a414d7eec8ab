package cooler_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streamlab/accessorylink/pkg/device/cooler"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
	"github.com/streamlab/accessorylink/pkg/transport/transporttest"
)

const coolerID = "D0:11:22:33:44:55"

var fastOptions = lifecycle.Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, ConnectTimeout: time.Second}

type thermometer struct {
	lock  sync.Mutex
	state cooler.ThermalState
}

func (t *thermometer) ThermalState() cooler.ThermalState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

func (t *thermometer) Set(state cooler.ThermalState) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.state = state
}

// sent returns the payloads of every frame of kind written to the cooler.
func sent(p *transporttest.Peripheral, kind cooler.Kind) []int {
	var values []int
	for _, w := range p.Writes() {
		frames, err := cooler.Split(w.Data)
		Expect(err).ToNot(HaveOccurred())
		for _, f := range frames {
			if f.Kind == kind {
				value := 0
				if len(f.Payload) > 0 {
					value = int(f.Payload[0])
				}
				values = append(values, value)
			}
		}
	}
	return values
}

var _ = Describe("Cooler", func() {
	var (
		central    *transporttest.Central
		peripheral *transporttest.Peripheral
		thermal    *thermometer
		cfg        cooler.Config
		c          *cooler.Cooler
	)

	start := func() {
		c = cooler.New(central, thermal, cfg, fastOptions)
		c.Start(coolerID)
		DeferCleanup(c.Stop)
		Eventually(c.State).Should(Equal(lifecycle.Connected))
	}

	BeforeEach(func() {
		central = transporttest.NewCentral()
		peripheral = transporttest.NewPeripheral(coolerID, 20,
			transport.Endpoint{Service: "ff00", Characteristic: "ff01", Notify: true},
			transport.Endpoint{Service: "ff00", Characteristic: "ff02", WriteNoAck: true},
		)
		central.AddPeripheral(peripheral, transport.Advertisement{LocalName: "Cooler"})
		thermal = &thermometer{state: cooler.Serious}
		cfg = cooler.Config{PollInterval: 10 * time.Millisecond, LEDCooldown: time.Hour}
	})

	It("polls and jumps straight to the targets at first", func() {
		cfg.PollInterval = time.Hour
		start()
		Eventually(func() int { return len(peripheral.Writes()) }).Should(Equal(3))
		writes := peripheral.Writes()
		Expect(writes[0].Data).To(Equal(cooler.QueryMetadata()))
		Expect(sent(peripheral, cooler.KindSetCoolingPower)).To(Equal([]int{80}))
		Expect(sent(peripheral, cooler.KindSetFanSpeed)).To(Equal([]int{50}))
	})

	It("steps toward new targets and keeps re-sending them", func() {
		start()
		Eventually(func() []int { return sent(peripheral, cooler.KindSetCoolingPower) }).ShouldNot(BeEmpty())
		thermal.Set(cooler.Nominal)
		Eventually(func() int {
			values := sent(peripheral, cooler.KindSetCoolingPower)
			n := 0
			for _, v := range values {
				if v == 5 {
					n++
				}
			}
			return n
		}).Should(BeNumerically(">=", 3))

		power := sent(peripheral, cooler.KindSetCoolingPower)
		for i := 1; i < len(power); i++ {
			Expect(power[i-1] - power[i]).To(BeNumerically("<=", 5))
			Expect(power[i]).To(BeNumerically("<=", power[i-1]))
		}
		Expect(power).To(ContainElement(75))
		Expect(sent(peripheral, cooler.KindSetFanSpeed)).To(ContainElements(45, 15))
	})

	It("forgets the levels on reconnect", func() {
		cfg.Step = 1
		start()
		Eventually(func() []int { return sent(peripheral, cooler.KindSetCoolingPower) }).Should(ContainElement(80))
		thermal.Set(cooler.Fair)
		Eventually(func() []int { return sent(peripheral, cooler.KindSetCoolingPower) }).Should(ContainElement(79))
		peripheral.Drop()
		Eventually(central.ConnectCount).Should(Equal(2))
		peripheral.ClearWrites()
		Eventually(func() []int { return sent(peripheral, cooler.KindSetCoolingPower) }).ShouldNot(BeEmpty())
		Expect(sent(peripheral, cooler.KindSetCoolingPower)[0]).To(Equal(20))
	})

	It("reports status telemetry and ignores unknown messages", func() {
		start()
		unknown := cooler.Frame{Kind: cooler.Kind(0x33), Payload: []byte{9}}.Encode()
		status := cooler.Status{PhoneTemperature: 41.5, HeatsinkTemperature: 12, CoolingPower: 80, FanSpeed: 50}
		frame := cooler.Frame{Kind: cooler.KindStatus, Payload: status.Encode()}.Encode()
		peripheral.Notify("ff01", append(unknown, frame...))

		var got cooler.Status
		Eventually(c.Events()).Should(Receive(&got))
		Expect(got).To(Equal(status))
	})

	It("reassembles status split across notifications", func() {
		start()
		status := cooler.Status{PhoneTemperature: 39, HeatsinkTemperature: 15.5, CoolingPower: 80, FanSpeed: 50}
		frame := cooler.Frame{Kind: cooler.KindStatus, Payload: status.Encode()}.Encode()
		peripheral.Notify("ff01", frame[:3])
		peripheral.Notify("ff01", frame[3:])

		var got cooler.Status
		Eventually(c.Events()).Should(Receive(&got))
		Expect(got).To(Equal(status))
	})

	It("throttles LED colour changes", func() {
		start()
		Expect(c.SetLEDColor(cooler.Color{Red: 255}, 50)).To(Succeed())
		Expect(c.SetLEDColor(cooler.Color{Green: 255}, 50)).To(Succeed())
		Expect(c.TurnOffLED()).To(Succeed())
		Eventually(func() []int { return sent(peripheral, cooler.KindTurnOffLED) }).Should(HaveLen(1))
		Expect(sent(peripheral, cooler.KindSetLEDColor)).To(Equal([]int{255}))
	})

	It("refuses LED changes once stopped", func() {
		start()
		c.Stop()
		Expect(c.TurnOffLED()).To(MatchError(protocol.ErrStopped))
	})
})
