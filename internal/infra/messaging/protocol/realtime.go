// Package protocol defines the JSON messages exchanged with real-time clients.
package protocol

import (
	"time"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

// ClientAction is the verb of a client message.
type ClientAction string

const (
	ActionSubscribe   ClientAction = "subscribe"
	ActionUnsubscribe ClientAction = "unsubscribe"
)

// ClientMessage is sent by a client to manage its subscriptions.
type ClientMessage struct {
	Action    ClientAction `json:"action"`
	RequestID string       `json:"requestId"`
}

// ServerMessageType distinguishes pushes from acknowledgements.
type ServerMessageType string

const (
	TypeStatusUpdate ServerMessageType = "status"
	TypeAck          ServerMessageType = "ack"
	TypeError        ServerMessageType = "error"
)

// StatusUpdate is pushed to every connection subscribed to the request.
type StatusUpdate struct {
	Type           ServerMessageType `json:"type"`
	RequestID      string            `json:"requestId"`
	Status         string            `json:"status"`
	PreviousStatus string            `json:"previousStatus"`
	Timestamp      time.Time         `json:"timestamp"`
}

// NewStatusUpdate converts a stage change event into its wire form.
func NewStatusUpdate(evt workflow.StateChangeEvent) StatusUpdate {
	return StatusUpdate{
		Type:           TypeStatusUpdate,
		RequestID:      evt.RequestID.String(),
		Status:         evt.Current.String(),
		PreviousStatus: evt.Previous.String(),
		Timestamp:      evt.OccurredAt,
	}
}

// Reply acknowledges or rejects a client message.
type Reply struct {
	Type      ServerMessageType `json:"type"`
	Action    ClientAction      `json:"action,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Error     string            `json:"error,omitempty"`
}
