package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventEmailReceived = "email.received"
	EventEmailStored   = "email.stored"
	EventEmailDeleted  = "email.deleted"
)

func KnownEvent(eventType string) bool {
	switch eventType {
	case EventEmailReceived, EventEmailStored, EventEmailDeleted:
		return true
	}
	return false
}

// Envelope is the wire shape every subscriber receives. Object is always
// "event"; Created is unix seconds.
type Envelope struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Type    string `json:"type"`
	Data    any    `json:"data"`
}

func NewEnvelope(eventType string, data any) *Envelope {
	return &Envelope{
		ID:      "evt_" + uuid.NewString(),
		Object:  "event",
		Created: time.Now().Unix(),
		Type:    eventType,
		Data:    data,
	}
}
