package event

import (
	"errors"
	"fmt"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// DeliveryError records one subscriber's failed delivery.
type DeliveryError struct {
	EventID      string
	EventType    string
	SubscriberID string
	Err          error
}

// Error implements error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event %s (%s) to %s: %v", e.EventID, e.EventType, e.SubscriberID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}
