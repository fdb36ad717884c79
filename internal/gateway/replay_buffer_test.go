package gateway

import (
	"strconv"
	"testing"
)

func seqOf(t *testing.T, env []byte) int64 {
	t.Helper()
	n, err := strconv.ParseInt(string(env), 10, 64)
	if err != nil {
		t.Fatalf("envelope %q: %v", env, err)
	}
	return n
}

func fill(rb *ReplayBuffer, from, to int64) {
	for i := from; i <= to; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}
}

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	fill(rb, 1, 10)

	w := rb.Range(3, 7)
	if len(w.Data) != 5 {
		t.Fatalf("Range(3,7): expected 5, got %d", len(w.Data))
	}
	for i, env := range w.Data {
		if got, want := seqOf(t, env), int64(i)+3; got != want {
			t.Errorf("entry[%d] = %d, want %d", i, got, want)
		}
	}
	if w.Oldest != 1 || w.Truncated {
		t.Errorf("Oldest=%d Truncated=%v, want 1 false", w.Oldest, w.Truncated)
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)

	// 8 pushes into 5 slots evict seqs 1-3
	fill(rb, 1, 8)

	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}
	w := rb.Range(1, 10)
	if len(w.Data) != 5 {
		t.Fatalf("Range(1,10): expected 5, got %d", len(w.Data))
	}
	if first, last := seqOf(t, w.Data[0]), seqOf(t, w.Data[4]); first != 4 || last != 8 {
		t.Errorf("range = [%d..%d], want [4..8]", first, last)
	}
	if w.Oldest != 4 || !w.Truncated {
		t.Errorf("Oldest=%d Truncated=%v, want 4 true", w.Oldest, w.Truncated)
	}

	if w := rb.Range(4, 6); w.Truncated || len(w.Data) != 3 {
		t.Errorf("Range(4,6) = %d entries truncated=%v, want 3 false", len(w.Data), w.Truncated)
	}
	if w := rb.Range(3, 4); !w.Truncated || len(w.Data) != 1 {
		t.Errorf("Range(3,4) = %d entries truncated=%v, want 1 true", len(w.Data), w.Truncated)
	}
}

func TestReplayBuffer_WrapsRepeatedly(t *testing.T) {
	rb := NewReplayBuffer(3)
	fill(rb, 1, 11)

	w := rb.Range(0, 100)
	if len(w.Data) != 3 || seqOf(t, w.Data[0]) != 9 || seqOf(t, w.Data[2]) != 11 {
		t.Fatalf("after 11 pushes into 3 slots got %q", w.Data)
	}
	if w := rb.Range(12, 20); len(w.Data) != 0 || w.Truncated {
		t.Errorf("future range = %d entries truncated=%v", len(w.Data), w.Truncated)
	}
}

func TestReplayBuffer_Empty(t *testing.T) {
	rb := NewReplayBuffer(10)
	w := rb.Range(0, 100)
	if len(w.Data) != 0 || w.Oldest != 0 || w.Truncated {
		t.Fatalf("empty buffer Range = %+v", w)
	}
}

func TestReplayBuffer_CopiesData(t *testing.T) {
	rb := NewReplayBuffer(2)
	data := []byte("abc")
	rb.Push(1, data)
	data[0] = 'x'
	if got := string(rb.Range(1, 1).Data[0]); got != "abc" {
		t.Fatalf("stored data = %q, want abc", got)
	}
}
