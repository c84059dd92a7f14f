// Package ratelimit implements C6: the per-target sliding-window rate
// gate and the single per-engine priority queue. This generalizes a
// plain container/heap ordered by send time from "oldest enqueued
// wins" to "soonest eventStartsAt wins", with a stable insertion-order
// tie-break and O(log n) removal-by-id so a cancelled slot can be
// pulled out of the queue.
package ratelimit

import (
	"container/heap"
	"sync"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

type entry struct {
	record *model.PendingRecord
	seq    int64 // insertion order, the queue's tie-break for equal starts
	index  int   // current position in the heap slice, kept by Swap
}

// innerHeap is the container/heap.Interface implementation; PriorityQueue
// below is the safe-for-concurrent-use façade callers actually use.
type innerHeap struct {
	entries []*entry
}

func (h innerHeap) Len() int { return len(h.entries) }

func (h innerHeap) Less(i, j int) bool {
	ti, tj := h.entries[i].record.EventStartsAt, h.entries[j].record.EventStartsAt
	if ti.Equal(tj) {
		return h.entries[i].seq < h.entries[j].seq
	}
	return ti.Before(tj)
}

func (h innerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *innerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *innerHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// PriorityQueue is the single per-engine queue: soonest eventStartsAt
// first, ties broken by insertion order. Safe for concurrent use.
type PriorityQueue struct {
	mu     sync.Mutex
	heap   innerHeap
	byID   map[string]*entry
	nextID int64
}

// NewPriorityQueue constructs an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{byID: make(map[string]*entry)}
}

// Push enqueues record, replacing any existing queued entry for the same
// record ID (re-enqueue after a queued->scheduled->queued cycle keeps the
// slot's original priority unchanged, so this only matters for a genuine
// duplicate push).
func (q *PriorityQueue) Push(record *model.PendingRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[record.ID]; ok {
		existing.record = record
		heap.Fix(&q.heap, existing.index)
		return
	}

	e := &entry{record: record, seq: q.nextID}
	q.nextID++
	q.byID[record.ID] = e
	heap.Push(&q.heap, e)
}

// Peek returns the head of the queue without removing it.
func (q *PriorityQueue) Peek() (*model.PendingRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	return q.heap.entries[0].record, true
}

// Pop removes and returns the head of the queue.
func (q *PriorityQueue) Pop() (*model.PendingRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.record.ID)
	return e.record, true
}

// Remove pulls a specific record out of the queue by id, used when a
// slot is cancelled while queued. Reports whether it was present.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, id)
	return true
}

// Len reports the number of queued records.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Contains reports whether id is currently queued.
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}
