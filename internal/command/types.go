// Package command dispatches user commands to devices after checking that
// the requesting user owns the target device.
//
// A request that fails the ownership check never reaches the broker. A
// request that passes is given a correlation id, logged, and published on
// the device's command topic. Physical actions are not safe to replay, so
// publishes are not retried unless command.publish_retries is set.
package command

import (
	"errors"
	"time"

	"github.com/nerrad567/iot-gateway/internal/broker"
)

// Outcome is the result class of a dispatch.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeAccepted             Outcome = "accepted"
	OutcomeForbidden            Outcome = "forbidden"
	OutcomeDeviceUnknown        Outcome = "device_unknown"
	OutcomeTransportUnavailable Outcome = "transport_unavailable"
)

// Command log statuses.
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

var (
	// ErrForbidden is returned when the user does not own the device.
	ErrForbidden = errors.New("command: device not owned by user")

	// ErrDeviceUnknown is returned when the device is not registered.
	ErrDeviceUnknown = errors.New("command: device unknown")

	// ErrTransportUnavailable is returned when the broker could not take
	// the command. It is the broker's sentinel, so errors.Is matches either.
	ErrTransportUnavailable = broker.ErrTransportUnavailable

	// ErrInvalidCommand is returned for an empty action.
	ErrInvalidCommand = errors.New("command: action is required")

	// ErrCommandNotFound is returned by Get for unknown correlation ids.
	ErrCommandNotFound = errors.New("command: not found")
)

// Request is one command as received from a user.
type Request struct {
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"performer_id"`
	DeviceID      string         `json:"device_id"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params"`
	RequestedAt   time.Time      `json:"requested_at"`
}

// Result is the outcome of Dispatch. CorrelationID is set once the
// ownership check has passed.
type Result struct {
	Outcome       Outcome `json:"status"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// Record is a command log entry.
type Record struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	PerformerID string         `json:"performer_id"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
}
