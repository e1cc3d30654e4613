package relay

import (
	"context"

	"referralchat/app/model"
)

type EventKind string

const (
	// EventMessage announces a newly persisted message.
	EventMessage EventKind = "message"
	// EventResync asks the subscriber to re-read the thread because
	// notifications may have been missed.
	EventResync EventKind = "resync"
)

// Event is a change notification, not the data of record. Consumers fetch
// the rows from the message store.
type Event struct {
	Kind      EventKind    `json:"kind"`
	ThreadID  string       `json:"thread_id"`
	MessageID string       `json:"message_id,omitempty"`
	Seq       int64        `json:"seq,omitempty"`
	Author    model.Author `json:"author,omitempty"`
	// Lagged is set when older pending events of this subscriber were dropped.
	Lagged bool `json:"lagged,omitempty"`
}

func MessageEvent(msg model.Message) Event {
	return Event{
		Kind:      EventMessage,
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
		Author:    msg.Author,
	}
}

type Relay interface {
	// Publish must only be called after msg is durably stored.
	Publish(ctx context.Context, msg model.Message) error
	Subscribe(threadID string) (*Subscription, error)
	// Run drives the transport until ctx is done.
	Run(ctx context.Context) error
}
