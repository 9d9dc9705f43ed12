package dispatch

import (
	"container/heap"

	"github.com/meshgov/warden/internal/models"
)

type jobEntry struct {
	job   *models.NotificationJob
	seq   uint64
	index int
}

// readyHeap orders runnable jobs by priority (higher first), then
// scheduled-not-before, then arrival.
type readyHeap []*jobEntry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	entry := x.(*jobEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// delayedHeap orders not-yet-due jobs by their not-before instant.
type delayedHeap []*jobEntry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x interface{}) {
	entry := x.(*jobEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

func removeFromReady(h *readyHeap, entry *jobEntry) {
	if entry.index >= 0 && entry.index < h.Len() && (*h)[entry.index] == entry {
		heap.Remove(h, entry.index)
	}
}

func removeFromDelayed(h *delayedHeap, entry *jobEntry) {
	if entry.index >= 0 && entry.index < h.Len() && (*h)[entry.index] == entry {
		heap.Remove(h, entry.index)
	}
}
