// Package telemetry records accessory events to a stream of size-prefixed JSON records so that a
// session can be inspected or replayed later.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/streamlab/accessorylink/pkg/codec"
)

// Record is one recorded event.
type Record struct {
	Device string          `json:"device"`
	Kind   string          `json:"kind"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the record's data into v.
func (r *Record) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("record has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Recorder appends records to a writer. It is safe for concurrent use.
type Recorder struct {
	lock sync.Mutex
	w    io.Writer
	now  func() time.Time
}

func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// Record writes value, which must marshal to JSON, as an event of the given kind.
func (r *Recorder) Record(device, kind string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("couldn't encode %s event: %w", kind, err)
	}
	record := Record{Device: device, Kind: kind, At: r.now().UTC(), Data: data}
	encoded, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return codec.WriteSizePrefixed(r.w, encoded)
}

// Forward records every value received on events until events is closed or ctx is done. kind
// names each value.
func Forward[T any](ctx context.Context, r *Recorder, device string, events <-chan T, kind func(T) string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Record(device, kind(event), event); err != nil {
				return err
			}
		}
	}
}

// Reader reads records written by a Recorder.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (*Record, error) {
	message, err := codec.ReadSizePrefixed(r.r)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(message, &record); err != nil {
		return nil, fmt.Errorf("corrupt telemetry record: %w", err)
	}
	return &record, nil
}
