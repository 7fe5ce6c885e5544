package cardinality

import (
	"encoding/binary"
	"sync"
	"testing"
)

func TestEstimateSmallSet(t *testing.T) {
	tr := NewTracker()

	var key [8]byte
	for i := uint64(0); i < 100; i++ {
		binary.BigEndian.PutUint64(key[:], i)
		tr.Insert(key[:])
		tr.Insert(key[:]) // duplicates must not inflate the estimate
	}

	got := tr.Estimate()
	if got < 95 || got > 105 {
		t.Errorf("Estimate() = %d, want ~100", got)
	}
}

func TestEstimateLargeSet(t *testing.T) {
	tr := NewTracker()

	var key [8]byte
	const n = 100_000
	for i := uint64(0); i < n; i++ {
		binary.BigEndian.PutUint64(key[:], i)
		tr.Insert(key[:])
	}

	got := float64(tr.Estimate())
	if got < n*0.97 || got > n*1.03 {
		t.Errorf("Estimate() = %.0f, want %d within 3%%", got, n)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.Insert([]byte("trace-1"))
	tr.Insert([]byte("trace-2"))
	if tr.Estimate() == 0 {
		t.Fatal("Estimate() = 0 before reset")
	}

	tr.Reset()
	if got := tr.Estimate(); got != 0 {
		t.Errorf("Estimate() after Reset = %d, want 0", got)
	}
}

func TestConcurrentInsert(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var key [16]byte
			for i := uint64(0); i < 1000; i++ {
				binary.BigEndian.PutUint64(key[:8], uint64(w))
				binary.BigEndian.PutUint64(key[8:], i)
				tr.Insert(key[:])
			}
		}(w)
	}
	wg.Wait()

	got := float64(tr.Estimate())
	if got < 8000*0.97 || got > 8000*1.03 {
		t.Errorf("Estimate() = %.0f, want ~8000", got)
	}
}
