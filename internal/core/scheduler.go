package core

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

type retryEntry struct {
	jobID   string
	printer string
	readyAt time.Time
	index   int
}

type retryHeap []*retryEntry

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	entry := x.(*retryEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// RetryScheduler holds back retrying jobs until their backoff elapses, then
// hands them to the deliver callback. A single goroutine services the heap;
// submission workers never sleep out a backoff themselves.
type RetryScheduler struct {
	deliver func(jobID, printer string)
	logger  *slog.Logger

	mu      sync.Mutex
	heap    retryHeap
	entries map[string]*retryEntry
	running bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func NewRetryScheduler(deliver func(jobID, printer string), logger *slog.Logger) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{
		deliver: deliver,
		logger:  logger,
		entries: make(map[string]*retryEntry),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *RetryScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.done
}

// Schedule queues a job for redelivery after delay. Scheduling a job that is
// already waiting just moves its ready time.
func (s *RetryScheduler) Schedule(jobID, printer string, delay time.Duration) {
	readyAt := time.Now().Add(delay)

	s.mu.Lock()
	if entry, ok := s.entries[jobID]; ok {
		entry.readyAt = readyAt
		heap.Fix(&s.heap, entry.index)
	} else {
		entry = &retryEntry{jobID: jobID, printer: printer, readyAt: readyAt}
		heap.Push(&s.heap, entry)
		s.entries[jobID] = entry
	}
	s.mu.Unlock()

	s.logger.Debug("retry scheduled", "job_id", jobID, "printer", printer, "delay", delay)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops a waiting job. Returns false if the job was not scheduled.
func (s *RetryScheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[jobID]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, entry.index)
	delete(s.entries, jobID)
	return true
}

func (s *RetryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *RetryScheduler) loop() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return
			}
		}

		next := s.heap[0]
		wait := time.Until(next.readyAt)
		if wait <= 0 {
			entry := heap.Pop(&s.heap).(*retryEntry)
			delete(s.entries, entry.jobID)
			s.mu.Unlock()
			s.deliver(entry.jobID, entry.printer)
			continue
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}
