// Package histogram holds the latest luminance histogram reported by the
// capture results. One goroutine writes, the UI reads.
package histogram

import (
	"sync"
	"time"
)

const Bins = 256

type Buffer struct {
	mu      sync.Mutex
	bins    []int
	seq     uint64
	updated time.Time
}

func New() *Buffer {
	return &Buffer{bins: make([]int, Bins)}
}

type Snapshot struct {
	Bins      []int     `json:"bins"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update copies samples in. Extra samples are dropped, missing ones read 0.
func (b *Buffer) Update(samples []int) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(b.bins, samples)
	for i := n; i < len(b.bins); i++ {
		b.bins[i] = 0
	}
	b.seq++
	b.updated = time.Now()
}

func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Bins:      append([]int(nil), b.bins...),
		Seq:       b.seq,
		UpdatedAt: b.updated,
	}
}

// Reset clears the buffer when histogram reporting is switched off.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bins {
		b.bins[i] = 0
	}
	b.seq++
}
