package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
)

const (
	RealtimeEventJobFinished      = "job-finished"
	RealtimeEventJobsDrained      = "jobs-drained"
	RealtimeEventPatientCompleted = "patient-completed"
	realtimeEventReady            = "ready"
	realtimeEventHeartbeat        = "heartbeat"
)

// RealtimeMessage is one server-sent event broadcast to every subscriber.
type RealtimeMessage struct {
	EventType string         `json:"-"`
	PatientID string         `json:"patient_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to SSE subscribers. Slow subscribers
// drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  32,
		clock:       time.Now,
	}
}

// Subscribe registers a subscriber until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// SubscriberCount returns the number of registered subscribers.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishJobResult broadcasts the outcome of one dispatched job.
func (d *RealtimeDispatcher) PublishJobResult(result dispatch.Result) {
	data := map[string]any{
		"outcome":   result.Outcome.String(),
		"attempts":  result.Attempts,
		"retryable": result.Retryable,
	}
	if result.Err != nil {
		data["error"] = result.Err.Error()
	}
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventJobFinished,
		PatientID: result.PatientID.String(),
		Data:      data,
	})
}

// PublishJobsDrained broadcasts that no dispatched job is in flight.
func (d *RealtimeDispatcher) PublishJobsDrained() {
	d.Publish(RealtimeMessage{EventType: RealtimeEventJobsDrained})
}

// PublishPatientCompleted broadcasts that a reviewer finished a patient.
func (d *RealtimeDispatcher) PublishPatientCompleted(patientID adjudication.PatientID, reviewer string) {
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventPatientCompleted,
		PatientID: patientID.String(),
		Data:      map[string]any{"reviewer": reviewer},
	})
}
