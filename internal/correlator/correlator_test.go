package correlator

import (
	"errors"
	"testing"
	"time"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

func TestResolveInvokesHandlerOnce(t *testing.T) {
	table := New[uint16, string]("test")
	calls := 0
	var got string
	if err := table.Register(0x8092, func(r string, err error) {
		calls++
		got = r
		if err != nil {
			t.Errorf("unexpected error %s", err)
		}
	}); err != nil {
		t.Fatal(err)
	}

	if !table.Resolve(0x8092, "paired") {
		t.Fatal("expected first response to match")
	}
	if table.Resolve(0x8092, "again") {
		t.Error("second response with the same key should miss")
	}
	if calls != 1 || got != "paired" {
		t.Errorf("handler called %d times with %q", calls, got)
	}
	if table.Len() != 0 {
		t.Errorf("table still holds %d entries", table.Len())
	}
}

func TestResolveUnknownKey(t *testing.T) {
	table := New[uint16, []byte]("test")
	if err := table.ResolveErr(7, nil); !errors.Is(err, protocol.ErrCorrelationMiss) {
		t.Errorf("expected ErrCorrelationMiss, got %v", err)
	}
}

func TestRegisterDuplicateKey(t *testing.T) {
	table := New[string, int]("test")
	if err := table.Register("a", nil); err != nil {
		t.Fatal(err)
	}
	if err := table.Register("a", nil); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestDropAllNeverInvokesHandlers(t *testing.T) {
	table := New[int, int]("test")
	for i := 0; i < 3; i++ {
		if err := table.Register(i, func(int, error) {
			t.Error("handler invoked after DropAll")
		}); err != nil {
			t.Fatal(err)
		}
	}
	if n := table.DropAll(); n != 3 {
		t.Errorf("DropAll() = %d", n)
	}
	for i := 0; i < 3; i++ {
		if table.Resolve(i, i) {
			t.Errorf("key %d resolved after DropAll", i)
		}
	}
	if table.Expire(0) != 0 {
		t.Error("expired entries after DropAll")
	}
}

func TestCancel(t *testing.T) {
	table := New[int, int]("test")
	if err := table.Register(1, func(int, error) { t.Error("cancelled handler invoked") }); err != nil {
		t.Fatal(err)
	}
	if !table.Cancel(1) || table.Outstanding(1) {
		t.Error("entry not cancelled")
	}
	if table.Cancel(1) {
		t.Error("cancel of missing entry reported success")
	}
}

func TestExpire(t *testing.T) {
	table := New[int, int]("test")
	now := time.Unix(0, 0)
	table.now = func() time.Time { return now }

	var timedOut []int
	register := func(key int) {
		if err := table.Register(key, func(_ int, err error) {
			if !errors.Is(err, protocol.ErrTimeout) {
				t.Errorf("expected timeout, got %v", err)
			}
			timedOut = append(timedOut, key)
		}); err != nil {
			t.Fatal(err)
		}
	}
	register(1)
	now = now.Add(5 * time.Second)
	register(2)
	now = now.Add(6 * time.Second)

	if n := table.Expire(10 * time.Second); n != 1 {
		t.Errorf("Expire() = %d, expected 1", n)
	}
	if len(timedOut) != 1 || timedOut[0] != 1 {
		t.Errorf("unexpected timeouts %v", timedOut)
	}
	if !table.Outstanding(2) {
		t.Error("younger entry expired")
	}
}
