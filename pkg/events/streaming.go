package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dipeo/dipeo/pkg/models"
)

// DefaultProgressBuffer bounds queued node_progress events per subscriber.
const DefaultProgressBuffer = 256

// StreamingObserver converts lifecycle callbacks into wire events and fans
// them out to per-execution subscribers. Control events queue unbounded;
// node_progress events are bounded per subscriber with drop-oldest semantics
// and a logged warning. Subscribers receive events in publish order and are
// unsubscribed when their execution reaches a terminal event.
type StreamingObserver struct {
	mu             sync.Mutex
	subscribers    map[models.ExecutionID][]*subscriber
	progressBuffer int

	dropped atomic.Int64
}

// NewStreamingObserver creates a streaming observer. progressBuffer <= 0
// selects DefaultProgressBuffer.
func NewStreamingObserver(progressBuffer int) *StreamingObserver {
	if progressBuffer <= 0 {
		progressBuffer = DefaultProgressBuffer
	}
	return &StreamingObserver{
		subscribers:    make(map[models.ExecutionID][]*subscriber),
		progressBuffer: progressBuffer,
	}
}

// Subscribe registers a consumer for one execution's event stream. The
// returned cancel func detaches early; the channel is closed after the
// terminal event (or on cancel).
func (s *StreamingObserver) Subscribe(execID models.ExecutionID) (<-chan Event, func()) {
	sub := newSubscriber(execID, s.progressBuffer, &s.dropped)
	s.mu.Lock()
	s.subscribers[execID] = append(s.subscribers[execID], sub)
	s.mu.Unlock()
	go sub.pump()

	cancel := func() {
		sub.close()
		s.detach(execID, sub)
	}
	return sub.ch, cancel
}

func (s *StreamingObserver) detach(execID models.ExecutionID, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[execID]
	for i, candidate := range subs {
		if candidate == sub {
			s.subscribers[execID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subscribers[execID]) == 0 {
		delete(s.subscribers, execID)
	}
}

// Emit enqueues a wire event for all subscribers of its execution. Terminal
// events end the streams.
func (s *StreamingObserver) Emit(ev Event) {
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subscribers[ev.ExecutionID]...)
	if ev.Type.Terminal() {
		delete(s.subscribers, ev.ExecutionID)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// DroppedProgressEvents returns the total number of progress events dropped
// across all subscribers since construction.
func (s *StreamingObserver) DroppedProgressEvents() int64 {
	return s.dropped.Load()
}

// Observer implementation: each callback becomes one wire event.

func (s *StreamingObserver) OnExecutionStart(_ context.Context, execID models.ExecutionID, diagramID models.DiagramID) {
	data := map[string]any{"status": string(models.ExecutionStatusRunning)}
	if diagramID != "" {
		data["diagram_id"] = string(diagramID)
	}
	s.Emit(NewEvent(EventExecutionStart, execID, "", data))
}

func (s *StreamingObserver) OnExecutionComplete(_ context.Context, execID models.ExecutionID) {
	s.Emit(NewEvent(EventExecutionComplete, execID, "", map[string]any{
		"status": string(models.ExecutionStatusCompleted),
	}))
}

func (s *StreamingObserver) OnExecutionError(_ context.Context, execID models.ExecutionID, err error) {
	status := models.ExecutionStatusFailed
	if models.Classify(err) == models.KindCancelled {
		status = models.ExecutionStatusAborted
	}
	s.Emit(NewEvent(EventExecutionError, execID, "", map[string]any{
		"status": string(status),
		"error":  err.Error(),
	}))
}

func (s *StreamingObserver) OnNodeStart(_ context.Context, execID models.ExecutionID, nodeID models.NodeID) {
	s.Emit(NewEvent(EventNodeStart, execID, nodeID, map[string]any{
		"status": string(models.NodeStatusRunning),
	}))
}

func (s *StreamingObserver) OnNodeComplete(_ context.Context, execID models.ExecutionID, nodeID models.NodeID, output *models.Envelope) {
	data := map[string]any{"status": string(models.NodeStatusCompleted)}
	if output != nil {
		data["output"] = output.BodyText()
	}
	s.Emit(NewEvent(EventNodeComplete, execID, nodeID, data))
}

func (s *StreamingObserver) OnNodeError(_ context.Context, execID models.ExecutionID, nodeID models.NodeID, err error) {
	s.Emit(NewEvent(EventNodeError, execID, nodeID, map[string]any{
		"status": string(models.NodeStatusFailed),
		"error":  err.Error(),
	}))
}

func (s *StreamingObserver) OnNodeSkipped(_ context.Context, execID models.ExecutionID, nodeID models.NodeID, reason string) {
	data := map[string]any{"status": string(models.NodeStatusSkipped)}
	if reason != "" {
		data["reason"] = reason
	}
	s.Emit(NewEvent(EventNodeSkipped, execID, nodeID, data))
}

// subscriber is one consumer's queue plus its delivery goroutine. enqueue is
// called from the engine; pump is the sole sender on (and closer of) ch.
type subscriber struct {
	execID models.ExecutionID
	ch     chan Event

	mu            sync.Mutex
	queue         []Event
	progressCount int
	maxProgress   int
	closed        bool
	wake          chan struct{}
	stop          chan struct{}
	stopOnce      sync.Once
	dropped       *atomic.Int64
}

func newSubscriber(execID models.ExecutionID, maxProgress int, dropped *atomic.Int64) *subscriber {
	return &subscriber{
		execID:      execID,
		ch:          make(chan Event, 16),
		maxProgress: maxProgress,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		dropped:     dropped,
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Type == EventNodeProgress {
		if s.progressCount >= s.maxProgress {
			s.dropOldestProgress()
			s.dropped.Add(1)
			slog.Warn("Dropping oldest progress event for slow subscriber",
				"execution_id", s.execID, "buffer", s.maxProgress)
		}
		s.progressCount++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dropOldestProgress removes the oldest queued node_progress event. Control
// events are never dropped. Caller holds s.mu.
func (s *subscriber) dropOldestProgress() {
	for i, ev := range s.queue {
		if ev.Type == EventNodeProgress {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.progressCount--
			return
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events in FIFO order, closing the channel after the
// terminal event or on close(). pump is the sole sender on ch.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.stop:
			}
			s.mu.Lock()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		if ev.Type == EventNodeProgress {
			s.progressCount--
		}
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.stop:
			close(s.ch)
			return
		}
		if ev.Type.Terminal() {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.ch)
			return
		}
	}
}
