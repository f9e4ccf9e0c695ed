package bscmd

import (
	"fmt"
	"sync/atomic"
	"time"
)

// LogEntry is one sent block as recorded in the diagnostic ring.
type LogEntry struct {
	Seq  uint64
	Time time.Time
	Op   Opcode
	Type Type
	Args []uint16

	// Words is the burst length, the payload itself is not kept.
	Words  int
	Sub    Opcode
	HasSub bool
}

func (e LogEntry) String() string {
	s := fmt.Sprintf("#%d %s %s args=%04x", e.Seq, e.Time.Format("15:04:05.000000"), e.Op, e.Args)
	if e.HasSub {
		s += " sub=" + e.Sub.String()
	}
	if e.Words > 0 {
		s += fmt.Sprintf(" %s=%d", e.Type, e.Words)
	}
	return s
}

// Ring is a fixed-size, overwrite-oldest log of sent blocks. Inserts never
// block and never take a lock; readers may observe a slot being replaced
// while they scan, which is fine for a debug aid.
type Ring struct {
	slots []atomic.Pointer[LogEntry]
	next  atomic.Uint64
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{slots: make([]atomic.Pointer[LogEntry], size)}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.slots) }

// Add records b and returns its sequence number.
func (r *Ring) Add(b *Block) uint64 {
	seq := r.next.Add(1) - 1
	e := &LogEntry{
		Seq:   seq,
		Time:  time.Now(),
		Op:    b.Op,
		Type:  b.Type,
		Args:  append([]uint16(nil), b.Args...),
		Words: len(b.Data),
	}
	if b.Sub != nil {
		e.Sub = b.Sub.Op
		e.HasSub = true
		if e.Words == 0 {
			e.Words = len(b.Sub.Data)
		}
	}
	r.slots[seq%uint64(len(r.slots))].Store(e)
	return seq
}

// Len returns the number of entries recorded so far, capped at Cap.
func (r *Ring) Len() int {
	n := r.next.Load()
	if n > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(n)
}

// Recent returns up to k of the most recently added entries, oldest first.
func (r *Ring) Recent(k int) []LogEntry {
	n := r.next.Load()
	if k > len(r.slots) {
		k = len(r.slots)
	}
	if uint64(k) > n {
		k = int(n)
	}
	out := make([]LogEntry, 0, k)
	for seq := n - uint64(k); seq < n; seq++ {
		e := r.slots[seq%uint64(len(r.slots))].Load()
		if e == nil || e.Seq != seq {
			// Overwritten by a concurrent insert.
			continue
		}
		out = append(out, *e)
	}
	return out
}
