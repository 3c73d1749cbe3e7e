package events

import (
	"sync"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

// Event types published by the queue manager and admin service. The
// external notification dispatcher consumes these; everything here is
// fire-and-forget and never blocks a state transition.
const (
	TypeTaskEnqueued   = "task.enqueued"
	TypeTaskClaimed    = "task.claimed"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
	TypeTaskCancelled  = "task.cancelled"
	TypeTaskRequeued   = "task.requeued"
	TypeStuckCleared   = "task.stuck_cleared"
	TypePriorityChange = "task.priority_changed"
	TypeUserPaused     = "user.jobs_paused"
	TypeUserResumed    = "user.jobs_resumed"
)

type Event struct {
	Timestamp   time.Time         `json:"ts"`
	Type        string            `json:"type"`
	Message     string            `json:"msg"`
	TaskID      string            `json:"task_id,omitempty"`
	UserID      int64             `json:"user_id,omitempty"`
	AdminUserID *int64            `json:"admin_user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans events out to in-process subscribers and keeps a bounded
// replay buffer for late joiners (the SSE endpoint, the notify relay).
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	buffer    []Event
	bufferCap int
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs:      map[int]chan Event{},
		bufferCap: bufferSize,
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	if len(b.buffer) < b.bufferCap {
		b.buffer = append(b.buffer, event)
	} else {
		copy(b.buffer, b.buffer[1:])
		b.buffer[len(b.buffer)-1] = event
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	// Slow subscribers drop events rather than stall the publisher.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel, an
// unsubscribe func, and a snapshot of the replay buffer.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := append([]Event(nil), b.buffer...)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, snapshot
}
