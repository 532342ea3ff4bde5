package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler core.
const (
	JobPublished = "job.published"
	JobFailed    = "job.failed"
	JobDeleted   = "job.deleted"
	TaskReloaded = "task.reloaded"
	TaskStopped  = "task.deactivated"

	EngineFailed  = "engine.failed"
	EngineDropped = "engine.dropped"
)

// Event is an in-memory signal. Publish never blocks; slow subscribers lose events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID      int64     `json:"job_id"`
	TaskID     int64     `json:"task_id"`
	ChannelID  int64     `json:"channel_id"`
	At         time.Time `json:"at"`
	MessageIDs []int     `json:"message_ids,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	TaskID int64  `json:"task_id"`
	Jobs   int    `json:"jobs"`
	Reason string `json:"reason,omitempty"`
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Matches reports whether the event type starts with any of the prefixes.
func Matches(e Event, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}
