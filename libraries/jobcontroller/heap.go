package jobcontroller

import (
	"github.com/esote/minmaxheap"
)

// pendingJob is one entry waiting in the newJobs priority queue:
// (priority desc, submissionOrder asc).
type pendingJob struct {
	job   *jobEntry
	order uint64
}

// jobHeap is a minmaxheap.Interface ordering pendingJob so that PopMax
// always yields the highest-priority, earliest-submitted job.
type jobHeap []pendingJob

func (h jobHeap) Len() int { return len(h) }

// Less defines the heap's ascending order; PopMax (highest element by
// this order) therefore returns the job with the greatest Priority,
// ties broken by the smallest (earliest) submission order.
func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].job.options.Priority, h[j].job.options.Priority
	if pi != pj {
		return pi < pj
	}
	return h[i].order > h[j].order
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(pendingJob))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *jobHeap) pushJob(p pendingJob) {
	minmaxheap.Push(h, p)
}

// popHighest removes and returns the highest-priority, earliest job, or
// ok=false if the heap is empty.
func (h *jobHeap) popHighest() (pendingJob, bool) {
	if h.Len() == 0 {
		return pendingJob{}, false
	}
	return minmaxheap.PopMax(h).(pendingJob), true
}

// removeByID removes the job with the given id if present, returning
// whether one was found. O(n); newJobs is expected to stay small.
func (h *jobHeap) removeByID(id string) bool {
	for i, p := range *h {
		if p.job.id == id {
			(*h)[i] = (*h)[h.Len()-1]
			*h = (*h)[:h.Len()-1]
			minmaxheap.Init(h)
			return true
		}
	}
	return false
}

// snapshot returns the jobEntry pointers currently queued, in no
// particular order.
func (h jobHeap) snapshot() []*jobEntry {
	out := make([]*jobEntry, len(h))
	for i, p := range h {
		out[i] = p.job
	}
	return out
}
