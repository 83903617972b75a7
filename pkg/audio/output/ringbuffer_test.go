// ABOUTME: Tests for the playback ring buffer
// ABOUTME: Covers FIFO ordering, overflow dropping, underrun silence and concurrent use
package output

import (
	"reflect"
	"sync"
	"testing"
)

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Push([]float32{1, 2, 3})

	for _, want := range []float32{1, 2, 3} {
		if got := rb.Pop(); got != want {
			t.Errorf("expected %v, got %v", want, got)
		}
	}

	if got := rb.Pop(); got != 0 {
		t.Errorf("expected silence on empty pop, got %v", got)
	}
	if rb.Stats().Underruns != 1 {
		t.Errorf("expected 1 underrun, got %d", rb.Stats().Underruns)
	}
}

func TestRingBufferInterleaved(t *testing.T) {
	rb := NewRingBuffer(4)
	var got []float32

	rb.Push([]float32{1, 2})
	got = append(got, rb.Pop())
	rb.Push([]float32{3, 4, 5})
	got = append(got, rb.Pop(), rb.Pop())
	rb.Push([]float32{6})

	dst := make([]float32, 3)
	n := rb.Read(dst)
	got = append(got, dst[:n]...)

	expected := []float32{1, 2, 3, 4, 5, 6}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	tests := []struct {
		name     string
		pushes   [][]float32
		expected []float32
		dropped  uint64
	}{
		{
			name:     "fits",
			pushes:   [][]float32{{1, 2, 3, 4}},
			expected: []float32{1, 2, 3, 4},
		},
		{
			name:     "second push overflows",
			pushes:   [][]float32{{1, 2, 3}, {4, 5, 6}},
			expected: []float32{3, 4, 5, 6},
			dropped:  2,
		},
		{
			name:     "single push larger than capacity",
			pushes:   [][]float32{{1, 2, 3, 4, 5, 6}},
			expected: []float32{3, 4, 5, 6},
			dropped:  2,
		},
		{
			name:     "oversized push onto partial buffer",
			pushes:   [][]float32{{9, 9}, {1, 2, 3, 4, 5}},
			expected: []float32{2, 3, 4, 5},
			dropped:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(4)
			for _, p := range tt.pushes {
				rb.Push(p)
			}

			dst := make([]float32, 4)
			if n := rb.Read(dst); n != len(tt.expected) {
				t.Fatalf("expected %d samples, got %d", len(tt.expected), n)
			}
			if !reflect.DeepEqual(dst, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, dst)
			}
			if got := rb.Stats().Dropped; got != tt.dropped {
				t.Errorf("expected %d dropped, got %d", tt.dropped, got)
			}
		})
	}
}

func TestRingBufferReadZeroFills(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Push([]float32{0.5, 0.25})

	dst := []float32{9, 9, 9, 9, 9}
	if n := rb.Read(dst); n != 2 {
		t.Errorf("expected 2 samples read, got %d", n)
	}

	expected := []float32{0.5, 0.25, 0, 0, 0}
	if !reflect.DeepEqual(dst, expected) {
		t.Errorf("expected %v, got %v", expected, dst)
	}
	if rb.Stats().Underruns != 3 {
		t.Errorf("expected 3 underrun samples, got %d", rb.Stats().Underruns)
	}
}

func TestRingBufferAvailableFree(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Push(make([]float32, 7))

	if rb.Available() != 7 || rb.Free() != 3 {
		t.Errorf("expected 7 available / 3 free, got %d / %d", rb.Available(), rb.Free())
	}

	rb.Reset()
	if rb.Available() != 0 {
		t.Errorf("expected empty after reset, got %d", rb.Available())
	}
	if rb.Stats().Pushed != 7 {
		t.Errorf("expected pushed counter kept, got %d", rb.Stats().Pushed)
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	const total = 10000
	rb := NewRingBuffer(total)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < total; i += 10 {
			batch := make([]float32, 10)
			for j := range batch {
				batch[j] = float32(i + j + 1)
			}
			rb.Push(batch)
		}
	}()

	var got []float32
	go func() {
		defer wg.Done()
		dst := make([]float32, 64)
		for len(got) < total {
			n := rb.Read(dst)
			got = append(got, dst[:n]...)
		}
	}()

	wg.Wait()

	for i, s := range got {
		if s != float32(i+1) {
			t.Fatalf("sample %d out of order: %v", i, s)
		}
	}
}
