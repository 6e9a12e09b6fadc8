package event

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the engine.
const (
	TaskStarted      = "task.started"
	TaskSucceeded    = "task.succeeded"
	TaskFailed       = "task.failed"
	TaskRetrying     = "task.retrying"
	TaskCanceled     = "task.canceled"
	GroupFinished    = "group.finished"
	SessionSubmitted = "session.submitted"
	SessionCanceling = "session.canceling"
	SessionFinished  = "session.finished"
	SessionSLAMissed = "session.sla_missed"
)

// Event represents an internal event
type Event struct {
	Type      string         `json:"type"`
	SessionID int64          `json:"session_id"`
	TaskID    int64          `json:"task_id,omitempty"`
	TaskName  string         `json:"task_name,omitempty"`
	State     string         `json:"state,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Subscriber is a function that receives events
type Subscriber func(event *Event)

// Bus is an in-memory event bus for publishing events to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber // channel → subscribers
	logger      *zap.SugaredLogger
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger,
	}
}

// SessionChannel is the channel carrying one session's events.
func SessionChannel(sessionID int64) string {
	return "session:" + strconv.FormatInt(sessionID, 10)
}

// Subscribe registers a subscriber for a channel
// channel can be "*" for all events, or SessionChannel(id) for one session
func (b *Bus) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
}

// Unsubscribe removes all subscribers for a channel
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
}

// Publish sends an event to all matching subscribers. Subscribers run on the
// publisher's goroutine, outside the bus lock.
func (b *Bus) Publish(evt *Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers["*"]...)
	if evt.SessionID != 0 {
		subs = append(subs, b.subscribers[SessionChannel(evt.SessionID)]...)
	}
	b.mu.RUnlock()

	b.logger.Debugw("Publishing event",
		"type", evt.Type,
		"session_id", evt.SessionID,
		"task_id", evt.TaskID,
	)

	for _, sub := range subs {
		sub(evt)
	}
}
