package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"ragdesk/internal/models"
	"ragdesk/internal/redis"
)

// StatusChannel carries document status transitions between instances.
const StatusChannel = "library:status"

// ErrEventsDisabled is returned by Subscribe without a redis connection.
var ErrEventsDisabled = errors.New("status events require redis")

// StatusEvent is the published form of a document status change.
type StatusEvent struct {
	DocumentID string                `json:"document_id"`
	Filename   string                `json:"filename"`
	Status     models.DocumentStatus `json:"status"`
	ChunkCount int                   `json:"chunk_count"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

// Events fans status changes out over redis pub/sub. A nil client disables
// it; Publish is then a no-op.
type Events struct {
	client *redis.Client
}

func NewEvents(client *redis.Client) *Events {
	return &Events{client: client}
}

// Enabled reports whether a redis connection backs the events.
func (e *Events) Enabled() bool {
	return e != nil && e.client != nil && e.client.Raw() != nil
}

// Publish broadcasts the current state of doc.
func (e *Events) Publish(doc models.Document) {
	if !e.Enabled() {
		return
	}
	payload, err := json.Marshal(StatusEvent{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Status:     doc.Status,
		ChunkCount: doc.ChunkCount,
		Error:      doc.Error,
		At:         doc.UpdatedAt,
	})
	if err != nil {
		log.Printf("worker status event marshal failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.Publish(ctx, StatusChannel, payload); err != nil {
		log.Printf("worker publish status event failed: %v", err)
	}
}

// Subscribe delivers events to handler until ctx ends. ready, if not nil, is
// closed once the subscription is active.
func (e *Events) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(StatusEvent)) error {
	if !e.Enabled() {
		return ErrEventsDisabled
	}
	pubsub, err := e.client.Subscribe(ctx, StatusChannel)
	if err != nil {
		return err
	}
	defer pubsub.Close()
	// wait for the confirmation so no event published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("worker status event decode failed: %v", err)
				continue
			}
			handler(ev)
		}
	}
}
