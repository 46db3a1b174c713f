package jobs

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one observed state transition, pushed to status subscribers.
type Event struct {
	JobID     string    `json:"job_id"`
	State     State     `json:"state"`
	OutputRef string    `json:"output_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusStreamer fans job state transitions out to websocket subscribers.
// Polling the status endpoint remains the primary interface; this is a
// convenience push channel on top of the same data.
type StatusStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]*websocket.Conn
}

func NewStatusStreamer() *StatusStreamer {
	return &StatusStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe registers conn for events about jobID.
func (s *StatusStreamer) Subscribe(jobID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[jobID] = append(s.subscribers[jobID], conn)
}

// Unsubscribe removes conn from jobID's subscriber list.
func (s *StatusStreamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers := s.subscribers[jobID]
	for i, c := range subscribers {
		if c == conn {
			s.subscribers[jobID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(s.subscribers[jobID]) == 0 {
		delete(s.subscribers, jobID)
	}
}

// Publish sends the event to every subscriber of the job. Write errors are
// ignored; dead connections drop out on their next read.
func (s *StatusStreamer) Publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.subscribers[event.JobID] {
		_ = conn.WriteJSON(event)
	}
}

// CloseJob closes and forgets all connections subscribed to jobID. Called
// once the job has reached a terminal state and the final event is sent.
func (s *StatusStreamer) CloseJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.subscribers[jobID] {
		conn.Close()
	}
	delete(s.subscribers, jobID)
}
