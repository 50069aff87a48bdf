// Package event defines the unit of data routed from pollers and listeners
// to sinks.
package event

import (
	"time"

	"codeberg.org/mutker/edgetel/internal/tree"
	"github.com/google/uuid"
)

type SourceType string

const (
	SourcePoller   SourceType = "poller"
	SourceListener SourceType = "listener"
)

// DataEvent is one processed poll result or received message. Events are
// immutable once handed to dispatch; sinks must not modify the payload.
type DataEvent struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceType SourceType        `json:"sourceType"`
	Namespace  string            `json:"namespace"`
	OriginName string            `json:"originName"`
	Payload    tree.Value        `json:"payload"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// New builds an event stamped with a fresh ID.
func New(ts time.Time, source SourceType, namespace, origin string, payload tree.Value, tags map[string]string) DataEvent {
	return DataEvent{
		ID:         uuid.NewString(),
		Timestamp:  ts,
		SourceType: source,
		Namespace:  namespace,
		OriginName: origin,
		Payload:    payload,
		Tags:       tags,
	}
}

// Origin identifies the poller or listener an event came from.
func (e DataEvent) Origin() string {
	return string(e.SourceType) + "/" + e.OriginName
}
