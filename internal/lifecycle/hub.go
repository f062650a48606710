package lifecycle

import (
	"sync"

	"github.com/shuwen-lab/cliptext/internal/domain"
)

// Hub fans job snapshots out to live watchers. One subscriber list per job
// ID; publishers never block on a slow consumer.
type Hub struct {
	mu        sync.RWMutex
	watchers  map[string][]chan domain.Job
	buffer    int
	maxPerJob int
}

// NewHub creates a hub. buffer is the per-subscriber channel depth and
// maxPerJob caps concurrent watchers on a single job.
func NewHub(buffer, maxPerJob int) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	if maxPerJob <= 0 {
		maxPerJob = 16
	}
	return &Hub{
		watchers:  make(map[string][]chan domain.Job),
		buffer:    buffer,
		maxPerJob: maxPerJob,
	}
}

// Subscribe registers a watcher for one job. The returned cancel function is
// idempotent and must be called when the watcher detaches. ok is false when
// the per-job watcher cap is reached.
func (h *Hub) Subscribe(jobID string) (ch <-chan domain.Job, cancel func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.watchers[jobID]) >= h.maxPerJob {
		return nil, nil, false
	}

	c := make(chan domain.Job, h.buffer)
	h.watchers[jobID] = append(h.watchers[jobID], c)

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.watchers[jobID]
			for i, sub := range subs {
				if sub == c {
					h.watchers[jobID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(h.watchers[jobID]) == 0 {
				delete(h.watchers, jobID)
			}
			close(c)
		})
	}

	return c, cancel, true
}

// Publish delivers a snapshot to every watcher of the job. Watchers whose
// buffer is full miss this update; the next snapshot or their own re-read
// catches them up.
func (h *Hub) Publish(job domain.Job) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.watchers[job.ID] {
		select {
		case c <- job:
		default:
		}
	}
}

// WatcherCount reports the number of active watchers for a job.
func (h *Hub) WatcherCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[jobID])
}
