// Package scanner discovers accessories and classifies them by family and model.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/transport"
)

var logger = log.Named("scanner")

// Classifier recognises one accessory family.
type Classifier struct {
	Family string
	// Services narrows the scan when every classifier lists at least one service.
	Services []string
	// Match returns the model name and true if ad belongs to the family.
	Match func(ad *transport.Advertisement) (model string, ok bool)
}

// Device is a classified discovery result.
type Device struct {
	ID        string
	Name      string
	Family    string
	Model     string
	RSSI      int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Scanner keeps a de-duplicated list of discovered accessories.
type Scanner struct {
	central     transport.Central
	classifiers []Classifier
	now         func() time.Time

	lock    sync.Mutex
	devices map[string]*Device

	discovered chan Device
}

func New(central transport.Central, classifiers ...Classifier) *Scanner {
	return &Scanner{
		central:     central,
		classifiers: classifiers,
		now:         time.Now,
		devices:     make(map[string]*Device),
		discovered:  make(chan Device, 32),
	}
}

// Discovered receives each device the first time it is seen.
func (s *Scanner) Discovered() <-chan Device {
	return s.discovered
}

func (s *Scanner) filter() transport.ScanFilter {
	var services []string
	for _, c := range s.classifiers {
		if len(c.Services) == 0 {
			return transport.ScanFilter{}
		}
		services = append(services, c.Services...)
	}
	return transport.ScanFilter{Services: services}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	logger.Info("Scanning for accessories")
	return s.central.Scan(ctx, s.filter(), s.handle)
}

func (s *Scanner) classify(ad *transport.Advertisement) (family, model string, ok bool) {
	for _, c := range s.classifiers {
		if model, ok := c.Match(ad); ok {
			return c.Family, model, true
		}
	}
	return "", "", false
}

func (s *Scanner) handle(ad transport.Advertisement) {
	family, model, ok := s.classify(&ad)
	if !ok {
		return
	}
	now := s.now()

	s.lock.Lock()
	device, seen := s.devices[ad.ID]
	if seen {
		device.LastSeen = now
		device.RSSI = ad.RSSI
		if ad.LocalName != "" {
			device.Name = ad.LocalName
		}
		s.lock.Unlock()
		return
	}
	device = &Device{
		ID:        ad.ID,
		Name:      ad.LocalName,
		Family:    family,
		Model:     model,
		RSSI:      ad.RSSI,
		FirstSeen: now,
		LastSeen:  now,
	}
	s.devices[ad.ID] = device
	snapshot := *device
	s.lock.Unlock()

	logger.Debug("Discovered %s %s (%s)", family, snapshot.ID, model)
	select {
	case s.discovered <- snapshot:
	default:
		logger.Warning("Dropping discovery event for %s", snapshot.ID)
	}
}

// Devices returns a copy of everything discovered so far, oldest first.
func (s *Scanner) Devices() []Device {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Forget removes every device so that it is reported again when next seen.
func (s *Scanner) Forget() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.devices = make(map[string]*Device)
}
