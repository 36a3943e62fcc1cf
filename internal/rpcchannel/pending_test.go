package rpcchannel

import (
	"errors"
	"testing"
)

func TestPendingMap_InsertCompleteTakeOnce(t *testing.T) {
	p := newPendingMap[int]()
	ch := make(chan result[int], 1)
	p.insert(1, ch)

	if !p.complete(1, 42, nil) {
		t.Fatal("expected complete to succeed on first call")
	}
	if p.complete(1, 43, nil) {
		t.Fatal("expected second complete for same id to be a no-op")
	}
	r := <-ch
	if r.value != 42 || r.err != nil {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestPendingMap_Drain(t *testing.T) {
	p := newPendingMap[int]()
	chans := make([]chan result[int], 3)
	for i := range chans {
		chans[i] = make(chan result[int], 1)
		p.insert(uint64(i+1), chans[i])
	}
	teardownErr := errors.New("connection lost")
	p.drain(teardownErr)
	for i, ch := range chans {
		r := <-ch
		if !errors.Is(r.err, teardownErr) {
			t.Fatalf("entry %d: expected teardown error, got %v", i, r.err)
		}
	}
	if p.count() != 0 {
		t.Fatalf("expected pending map empty after drain, got %d", p.count())
	}
}

func TestPendingMap_CompleteByLowByte(t *testing.T) {
	p := newPendingMap[int]()
	ch := make(chan result[int], 1)
	p.insert(300, ch) // low byte 0x2C == low byte of 44, but we pick an id whose low byte is distinctive

	low := uint8(300)
	if !p.completeByLowByte(low, 7, nil) {
		t.Fatal("expected match by low byte")
	}
	r := <-ch
	if r.value != 7 {
		t.Fatalf("unexpected value %d", r.value)
	}
	if p.completeByLowByte(low, 8, nil) {
		t.Fatal("expected no match after entry consumed")
	}
}

func TestPendingMap_CompleteByLowByte_PicksOldest(t *testing.T) {
	p := newPendingMap[int]()
	chA := make(chan result[int], 1)
	chB := make(chan result[int], 1)
	// Both ids share low byte 5 (256+5=261, 5).
	p.insert(261, chA)
	p.insert(5, chB)

	if !p.completeByLowByte(5, 1, nil) {
		t.Fatal("expected a match")
	}
	select {
	case r := <-chB:
		if r.value != 1 {
			t.Fatalf("unexpected value %d", r.value)
		}
	default:
		t.Fatal("expected the lower (older) id to be completed first")
	}
}
