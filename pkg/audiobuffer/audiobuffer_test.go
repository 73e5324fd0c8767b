package audiobuffer

import "testing"

func fill(n int, from byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = from + byte(i)
	}
	return out
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	b := New(1)
	b.Write([]byte{1, 2, 3})
	out := make([]byte, 3)
	n := b.Read(out)
	if n != 3 {
		t.Fatalf("expected to read 3 bytes, got %d", n)
	}
	if out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("got %v", out)
	}
}

func TestReadMoreThanAvailableReturnsWhatThereIs(t *testing.T) {
	b := New(1)
	b.Write([]byte{1, 2})
	out := make([]byte, 10)
	n := b.Read(out)
	if n != 2 {
		t.Fatalf("expected 2 bytes, got %d", n)
	}
}

func TestOverflowDropsOldestBytes(t *testing.T) {
	b := New(1) // capacity = 32000 bytes
	b.Write(fill(32000, 0))
	b.Write([]byte{99, 98, 97})

	if b.Len() != 32000 {
		t.Errorf("expected buffer to stay at capacity, len = %d", b.Len())
	}

	out := make([]byte, 3)
	b.Read(out)
	// The oldest 3 bytes (0,1,2) should have been evicted to make room.
	if out[0] != 3 || out[1] != 4 || out[2] != 5 {
		t.Errorf("expected oldest bytes dropped, first bytes now = %v", out)
	}
}

func TestChunkLargerThanCapacityKeepsTail(t *testing.T) {
	b := New(1) // 32000 bytes
	huge := fill(40000, 0)
	b.Write(huge)
	if b.Len() != 32000 {
		t.Fatalf("expected buffer capped at capacity, got %d", b.Len())
	}
	out := make([]byte, 1)
	b.Read(out)
	if out[0] != huge[40000-32000] {
		t.Errorf("expected tail of oversized chunk retained, got %v want %v", out[0], huge[40000-32000])
	}
}

func TestUtilizationReflectsFillLevel(t *testing.T) {
	b := New(1)
	if u := b.Utilization(); u != 0 {
		t.Fatalf("expected empty buffer at 0 utilization, got %v", u)
	}
	b.Write(fill(16000, 0))
	if u := b.Utilization(); u < 0.49 || u > 0.51 {
		t.Errorf("expected ~0.5 utilization, got %v", u)
	}
}

func TestClearEmptiesBuffer(t *testing.T) {
	b := New(1)
	b.Write([]byte{1, 2, 3})
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("expected empty buffer after Clear, got len %d", b.Len())
	}
}
