package notify

import "errors"

// errDelivery backs the dry-run sink's simulated failures.
var errDelivery = errors.New("notification delivery failed")

// Notification is the payload handed to the OS delivery primitive.
type Notification struct {
	Title   string
	Message string
	Actions []string
}

// Sink delivers a notification. Implementations must return promptly
// and never block on user interaction; action callbacks arrive
// asynchronously as user-action events.
type Sink interface {
	Notify(n Notification) error
}

// DNDQuerier reports whether the OS do-not-disturb mode is active.
type DNDQuerier interface {
	Active() bool
}
