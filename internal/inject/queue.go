package inject

import (
	"sort"
	"sync"
)

// queueItem pairs a message with its arrival order and retry bookkeeping.
type queueItem struct {
	msg      QueuedMessage
	band     Band
	seq      uint64
	attempts int
}

// Queue is a priority-ordered injection queue. Ordering is by band, with
// arrival order preserved inside a band (stable sort). All methods are safe
// for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*queueItem
	seq   uint64
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues a message. A message whose MessageID is already waiting in
// the queue is dropped and Push reports false: redelivery of a message that
// has not been injected yet must not inject it twice. Messages without an id
// are never deduplicated.
func (q *Queue) Push(m QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m.MessageID != "" {
		for _, item := range q.items {
			if item.msg.MessageID == m.MessageID {
				return false
			}
		}
	}
	q.seq++
	q.items = append(q.items, &queueItem{msg: m, band: BandFor(m.Importance), seq: q.seq})
	return true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop removes and returns the highest-priority message along with the number
// of delivery attempts already made for it. The boolean is false when the
// queue is empty.
func (q *Queue) Pop() (QueuedMessage, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueuedMessage{}, 0, false
	}
	q.sortLocked()
	item := q.items[0]
	q.items = q.items[1:]
	return item.msg, item.attempts, true
}

// Requeue puts a message back after a failed injection attempt, preserving
// its original arrival order within its band and counting the attempt.
func (q *Queue) Requeue(m QueuedMessage, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, &queueItem{
		msg:      m,
		band:     BandFor(m.Importance),
		seq:      q.seq,
		attempts: attempts + 1,
	})
}

// Drain removes and returns all queued messages in priority order.
func (q *Queue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sortLocked()
	out := make([]QueuedMessage, len(q.items))
	for i, item := range q.items {
		out[i] = item.msg
	}
	q.items = nil
	return out
}

// sortLocked orders items by band, then arrival. Must hold q.mu.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].band != q.items[j].band {
			return q.items[i].band < q.items[j].band
		}
		return q.items[i].seq < q.items[j].seq
	})
}
