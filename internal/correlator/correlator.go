// Package correlator matches responses to outstanding requests by key.
//
// A Table is populated before a request is transmitted, so a response can never arrive ahead of
// its entry. Each entry is consumed by at most one response. Entries are dropped without firing
// when the link goes away; a handler that never fires is preferable to one that fires against a
// connection that no longer exists.
package correlator

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

// ErrDuplicateKey is returned by Register when the key is already outstanding.
var ErrDuplicateKey = protocol.NewError("correlation key already outstanding", false, false)

// Handler receives either the matching response or an error (protocol.ErrTimeout) when the entry
// expires.
type Handler[R any] func(response R, err error)

type pending[R any] struct {
	handler  Handler[R]
	issuedAt time.Time
}

// Table is safe for concurrent use. Handlers are invoked without holding the table lock, on the
// goroutine that resolved or expired the entry.
type Table[K comparable, R any] struct {
	lock    sync.Mutex
	entries map[K]*pending[R]
	now     func() time.Time
	log     *log.Logger
}

func New[K comparable, R any](name string) *Table[K, R] {
	return &Table[K, R]{
		entries: make(map[K]*pending[R]),
		now:     time.Now,
		log:     log.Named(name),
	}
}

// Register records an outstanding request. Call it before transmitting.
func (t *Table[K, R]) Register(key K, handler Handler[R]) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.entries[key]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	t.entries[key] = &pending[R]{handler: handler, issuedAt: t.now()}
	return nil
}

func (t *Table[K, R]) take(key K) *pending[R] {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return entry
}

// Resolve hands response to the handler registered under key and removes the entry. Unknown keys
// are logged at debug level and dropped; Resolve then returns false.
func (t *Table[K, R]) Resolve(key K, response R) bool {
	return t.ResolveErr(key, response) == nil
}

// ResolveErr is Resolve but reports a miss as protocol.ErrCorrelationMiss.
func (t *Table[K, R]) ResolveErr(key K, response R) error {
	entry := t.take(key)
	if entry == nil {
		t.log.Debug("Dropping response for unknown key %v", key)
		return protocol.ErrCorrelationMiss
	}
	if entry.handler != nil {
		entry.handler(response, nil)
	}
	return nil
}

// Cancel removes an entry without invoking its handler, e.g. after the transmit failed.
func (t *Table[K, R]) Cancel(key K) bool {
	return t.take(key) != nil
}

// DropAll discards every outstanding entry without invoking handlers and returns how many there
// were.
func (t *Table[K, R]) DropAll() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := len(t.entries)
	if n > 0 {
		t.log.Debug("Abandoning %d pending requests", n)
	}
	t.entries = make(map[K]*pending[R])
	return n
}

// Expire removes entries issued more than maxAge ago and fails them with protocol.ErrTimeout.
func (t *Table[K, R]) Expire(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	var expired []*pending[R]
	t.lock.Lock()
	for key, entry := range t.entries {
		if entry.issuedAt.Before(cutoff) {
			expired = append(expired, entry)
			delete(t.entries, key)
		}
	}
	t.lock.Unlock()

	var zero R
	for _, entry := range expired {
		if entry.handler != nil {
			entry.handler(zero, protocol.ErrTimeout)
		}
	}
	return len(expired)
}

// Outstanding reports whether key is awaiting a response.
func (t *Table[K, R]) Outstanding(key K) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (t *Table[K, R]) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}
