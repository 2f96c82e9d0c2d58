package graph

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// taskHeap implements heap.Interface, ordering Tasks by OrderKey so the
// frontier always yields the deterministic next task regardless of the
// order goroutines enqueued them in.
type taskHeap []Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is the bounded, deterministically-ordered queue of runnable
// tasks for the current superstep (spec §4.4/§5). Enqueue blocks (this
// is the backpressure mechanism of §5) once the queue reaches capacity;
// Dequeue always returns the lowest OrderKey task available.
type Frontier struct {
	mu       sync.Mutex
	heap     taskHeap
	queue    chan Task
	capacity int

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth      atomic.Int32
}

// NewFrontier creates a Frontier bounded to capacity tasks.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(taskHeap, 0),
		queue:    make(chan Task, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds a task to the frontier, blocking while the queue is at
// capacity until space frees up or ctx is cancelled.
func (f *Frontier) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, t)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- t:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a task is available or ctx is cancelled, then
// returns the lowest OrderKey task currently queued.
func (f *Frontier) Dequeue(ctx context.Context) (Task, error) {
	var zero Task
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(Task)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len returns the number of tasks currently queued.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of frontier activity,
// exported via graph/metrics.go's Prometheus gauges.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth      int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
