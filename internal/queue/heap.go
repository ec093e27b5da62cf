package queue

import (
	"time"

	"github.com/herald-io/herald/internal/message"
)

// item is a queued message together with its scheduling metadata. It is
// mutated only by the single worker currently holding it.
type item struct {
	msg *message.Notification

	priority      message.Priority
	scheduledAt   time.Time
	maxRetries    int
	retryDelay    time.Duration
	backoffFactor float64
	channel       string
	callback      func(msg *message.Notification, err error)

	index int
}

// msgHeap is a min-heap of items ordered by (scheduledAt, priority).
// Delayed and retry items must never surface before their due time
// regardless of priority; among equally due items urgency breaks ties.
type msgHeap []*item

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if !h[i].scheduledAt.Equal(h[j].scheduledAt) {
		return h[i].scheduledAt.Before(h[j].scheduledAt)
	}
	return h[i].priority < h[j].priority
}

func (h msgHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *msgHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
