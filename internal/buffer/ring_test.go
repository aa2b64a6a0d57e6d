package buffer

import (
	"bytes"
	"testing"
)

func TestNewRing(t *testing.T) {
	r := NewRing(100)
	if r.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", r.Cap())
	}
	if r.Len() != 0 {
		t.Errorf("expected length 0, got %d", r.Len())
	}

	// Zero and negative capacities default to 1.
	if NewRing(0).Cap() != 1 {
		t.Error("expected capacity 1 for zero input")
	}
	if NewRing(-5).Cap() != 1 {
		t.Error("expected capacity 1 for negative input")
	}
}

func TestRing_Write(t *testing.T) {
	r := NewRing(10)

	n, err := r.Write([]byte("hello"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}

	r.Write([]byte("world"))

	data, off := r.ReadFrom(0)
	if !bytes.Equal(data, []byte("helloworld")) {
		t.Errorf("expected 'helloworld', got '%s'", data)
	}
	if off != 0 {
		t.Errorf("expected effective offset 0, got %d", off)
	}
	if r.End() != 10 {
		t.Errorf("expected end offset 10, got %d", r.End())
	}
}

func TestRing_WriteOverflow(t *testing.T) {
	r := NewRing(10)

	r.Write([]byte("0123456789"))
	r.Write([]byte("abc"))

	// "012" was evicted; the window now starts at offset 3.
	if r.Start() != 3 {
		t.Errorf("expected start offset 3, got %d", r.Start())
	}
	if r.End() != 13 {
		t.Errorf("expected end offset 13, got %d", r.End())
	}

	data, off := r.ReadFrom(0)
	if !bytes.Equal(data, []byte("3456789abc")) {
		t.Errorf("expected '3456789abc', got '%s'", data)
	}
	if off != 3 {
		t.Errorf("expected effective offset 3, got %d", off)
	}
}

func TestRing_WriteLargerThanCapacity(t *testing.T) {
	r := NewRing(5)

	n, err := r.Write([]byte("0123456789"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Errorf("expected n=10, got %d", n)
	}

	data, off := r.ReadFrom(0)
	if !bytes.Equal(data, []byte("56789")) {
		t.Errorf("expected '56789', got '%s'", data)
	}
	if off != 5 {
		t.Errorf("expected effective offset 5, got %d", off)
	}
}

func TestRing_ReadFromOffset(t *testing.T) {
	r := NewRing(100)
	r.Write([]byte("the quick brown fox"))

	data, off := r.ReadFrom(4)
	if !bytes.Equal(data, []byte("quick brown fox")) {
		t.Errorf("expected tail from offset 4, got '%s'", data)
	}
	if off != 4 {
		t.Errorf("expected effective offset 4, got %d", off)
	}

	// Resuming at End yields nothing.
	data, off = r.ReadFrom(r.End())
	if data != nil {
		t.Errorf("expected nil at end offset, got %v", data)
	}
	if off != r.End() {
		t.Errorf("expected offset %d, got %d", r.End(), off)
	}
}

func TestRing_ReadFromReturnsCopy(t *testing.T) {
	r := NewRing(10)
	r.Write([]byte("test"))

	data, _ := r.ReadFrom(0)
	data[0] = 'X'

	again, _ := r.ReadFrom(0)
	if !bytes.Equal(again, []byte("test")) {
		t.Errorf("ReadFrom should return a copy, got '%s'", again)
	}
}

func TestRing_WriteEmpty(t *testing.T) {
	r := NewRing(10)
	r.Write([]byte("hello"))

	n, err := r.Write(nil)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected n=0, got %d", n)
	}
	if r.End() != 5 {
		t.Errorf("end offset must not advance on empty write, got %d", r.End())
	}
}
