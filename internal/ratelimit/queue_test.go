package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

func rec(id string, start time.Time) *model.PendingRecord {
	return &model.PendingRecord{ID: id, EventStartsAt: start}
}

func TestPriorityQueueOrdersBySoonestStart(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(rec("c", base.Add(3*time.Hour)))
	q.Push(rec("a", base.Add(1*time.Hour)))
	q.Push(rec("b", base.Add(2*time.Hour)))

	var order []string
	for {
		r, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPriorityQueueTieBreaksByInsertionOrder(t *testing.T) {
	q := NewPriorityQueue()
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(rec("first", same))
	q.Push(rec("second", same))

	r1, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", r1.ID)

	r2, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "second", r2.ID)
}

func TestPriorityQueueRemove(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push(rec("a", base))
	q.Push(rec("b", base.Add(time.Hour)))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 1, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", head.ID)
}
