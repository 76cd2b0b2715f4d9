package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

type EventKind string

const (
	EventStage     EventKind = "stage"
	EventProgress  EventKind = "progress"
	EventDegraded  EventKind = "degraded"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
)

// Event is one step of a run as seen from outside. Scene is -1 for events
// that are not about a single scene.
type Event struct {
	RunID     uuid.UUID        `json:"run_id"`
	Stage     models.RunStatus `json:"stage"`
	Kind      EventKind        `json:"kind"`
	Scene     int              `json:"scene"`
	Completed int              `json:"completed,omitempty"`
	Total     int              `json:"total,omitempty"`
	Message   string           `json:"message,omitempty"`
	Err       string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Terminal reports whether e is the last event of its run.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed || e.Kind == EventCanceled
}

// stream buffers events without bound so the run never waits on a slow
// consumer. Delivery starts on the first call to channel.
type stream struct {
	mu     sync.Mutex
	buf    []Event
	closed bool
	notify chan struct{}
	once   sync.Once
	out    chan Event
}

func newStream() *stream {
	return &stream{notify: make(chan struct{}, 1), out: make(chan Event)}
}

func (s *stream) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) channel() <-chan Event {
	s.once.Do(func() { go s.pump() })
	return s.out
}

func (s *stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			s.out <- ev
			continue
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		<-s.notify
	}
}
