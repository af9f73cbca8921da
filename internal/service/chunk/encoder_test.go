package chunk

import (
	"testing"
)

func TestEncoder_SplitsWithShortTail(t *testing.T) {
	enc := NewEncoder("s-1", make([]int, 3350), 1600)

	if enc.Total() != 3 {
		t.Errorf("expected 3 chunks, got %d", enc.Total())
	}

	var sizes []int
	var seqs []uint64
	for c := range enc.All() {
		if c.SessionID != "s-1" {
			t.Errorf("expected session s-1, got %s", c.SessionID)
		}
		sizes = append(sizes, c.SampleCount())
		seqs = append(seqs, c.Sequence)
	}

	wantSizes := []int{1600, 1600, 150}
	if len(sizes) != len(wantSizes) {
		t.Fatalf("expected %d chunks, got %d", len(wantSizes), len(sizes))
	}
	for i := range wantSizes {
		if sizes[i] != wantSizes[i] {
			t.Errorf("chunk %d: expected size %d, got %d", i, wantSizes[i], sizes[i])
		}
		if seqs[i] != uint64(i) {
			t.Errorf("chunk %d: expected sequence %d, got %d", i, i, seqs[i])
		}
	}
}

func TestEncoder_CoversInputExactlyOnce(t *testing.T) {
	data := make([]int, 1000)
	for i := range data {
		data[i] = i
	}

	for _, size := range []int{1, 7, 100, 999, 1000, 5000} {
		enc := NewEncoder("s", data, size)
		next := 0
		for c := range enc.All() {
			for _, v := range c.Payload {
				if v != next {
					t.Fatalf("size %d: expected value %d, got %d", size, next, v)
				}
				next++
			}
		}
		if next != len(data) {
			t.Errorf("size %d: covered %d of %d values", size, next, len(data))
		}
	}
}

func TestEncoder_EmptyInput(t *testing.T) {
	enc := NewEncoder("s", nil, 1600)
	if enc.Total() != 0 {
		t.Errorf("expected 0 chunks, got %d", enc.Total())
	}
	if _, ok := enc.Next(); ok {
		t.Error("expected no chunk for empty input")
	}
}

func TestEncoder_DefaultChunkSize(t *testing.T) {
	enc := NewEncoder("s", make([]int, 10), 0)
	if enc.ChunkSize() != DefaultChunkSize {
		t.Errorf("expected default %d, got %d", DefaultChunkSize, enc.ChunkSize())
	}
	if DefaultChunkSize != 1600 {
		t.Errorf("expected 100ms at 16kHz, got %d", DefaultChunkSize)
	}
}

func TestEncoder_NotResumable(t *testing.T) {
	data := make([]int, 30)
	enc := NewEncoder("s", data, 10)

	first, _ := enc.Next()
	if first.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", first.Sequence)
	}

	// All continues from where Next left off
	count := 0
	for range enc.All() {
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 remaining chunks, got %d", count)
	}

	fresh := NewEncoder("s", data, 10)
	c, _ := fresh.Next()
	if c.Sequence != 0 {
		t.Errorf("a new encoder should restart at 0, got %d", c.Sequence)
	}
}

func TestEncoder_PayloadCapacityIsBounded(t *testing.T) {
	enc := NewEncoder("s", make([]int, 20), 10)
	c, _ := enc.Next()
	if cap(c.Payload) != 10 {
		t.Errorf("expected payload capacity 10, got %d", cap(c.Payload))
	}
}

func TestConversions(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x7f}
	samples := FromPCM16LE(pcm)
	if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
		t.Errorf("unexpected samples %v", samples)
	}

	back := ToPCM16LE(samples)
	if len(back) != 4 || back[2] != 0xff {
		t.Errorf("unexpected pcm %v", back)
	}

	b := FromBytes([]byte{0, 200})
	if b[1] != 200 {
		t.Errorf("expected 200, got %d", b[1])
	}
	if ToBytes(b)[1] != 200 {
		t.Error("expected byte round trip")
	}

	if got := FromInt16([]int16{-5}); got[0] != -5 {
		t.Errorf("expected -5, got %d", got[0])
	}
}
