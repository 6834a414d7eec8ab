package cache

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlab/accessorylink/pkg/scanner"
)

var ErrUnknownDevice = errors.New("device not in registry")

// Entry is a remembered device.
type Entry struct {
	Key      string    `json:"key"`
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Family   string    `json:"family"`
	Model    string    `json:"model,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

type Registry struct {
	MaxEntries int
	Devices    map[string]Entry `json:"devices"`
	lock       sync.Mutex
}

// New returns a Registry that holds up to maxEntries devices. When full, the device that was seen
// least recently is forgotten.
//
// Set maxEntries to zero for an unbounded registry.
func New(maxEntries int) *Registry {
	return &Registry{
		MaxEntries: maxEntries,
		Devices:    make(map[string]Entry),
	}
}

// Import a Registry using data in r.
// The data should previously have been generated using [Registry.Export].
func Import(r io.Reader) (*Registry, error) {
	var registry Registry
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&registry); err != nil {
		return nil, err
	}
	if registry.Devices == nil {
		registry.Devices = make(map[string]Entry)
	}
	return &registry, nil
}

// ImportFromFile reads a Registry from disk.
func ImportFromFile(filename string) (*Registry, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized Registry to w.
func (r *Registry) Export(w io.Writer) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return json.NewEncoder(w).Encode(r)
}

// ExportToFile writes a Registry to disk.
func (r *Registry) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return r.Export(file)
}

// Remember records a discovered device and returns its handle key. A device that is already known
// keeps its key; its name, model and last-seen time are refreshed.
func (r *Registry) Remember(device scanner.Device) string {
	r.lock.Lock()
	defer r.lock.Unlock()

	for key, entry := range r.Devices {
		if entry.ID == device.ID && entry.Family == device.Family {
			entry.Name = device.Name
			entry.Model = device.Model
			if device.LastSeen.After(entry.LastSeen) {
				entry.LastSeen = device.LastSeen
			}
			r.Devices[key] = entry
			return key
		}
	}

	key := uuid.NewString()
	r.Devices[key] = Entry{
		Key:      key,
		ID:       device.ID,
		Name:     device.Name,
		Family:   device.Family,
		Model:    device.Model,
		LastSeen: device.LastSeen,
	}
	r.evict(key)
	return key
}

// evict drops the least recently seen device, other than keep, while the registry is over its
// limit.
func (r *Registry) evict(keep string) {
	for r.MaxEntries > 0 && len(r.Devices) > r.MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range r.Devices {
			if key == keep {
				continue
			}
			if oldestKey == "" || entry.LastSeen.Before(oldest) {
				oldestKey = key
				oldest = entry.LastSeen
			}
		}
		if oldestKey == "" {
			return
		}
		delete(r.Devices, oldestKey)
	}
}

// Lookup resolves a handle key, or failing that a device identifier, to an entry.
func (r *Registry) Lookup(keyOrID string) (Entry, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if entry, ok := r.Devices[keyOrID]; ok {
		return entry, nil
	}
	for _, entry := range r.Devices {
		if entry.ID == keyOrID {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownDevice
}

// Forget removes a device.
func (r *Registry) Forget(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.Devices, key)
}

// Entries returns every remembered device, most recently seen first.
func (r *Registry) Entries() []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	entries := make([]Entry, 0, len(r.Devices))
	for _, entry := range r.Devices {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}
