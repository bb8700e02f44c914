package store

import (
	"errors"
	"time"
)

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	StatusPending  CommandStatus = "pending"
	StatusExecuted CommandStatus = "executed"
	StatusFailed   CommandStatus = "failed"
)

// IsTerminal returns true if no further transition is allowed.
func (s CommandStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// EventType classifies connection log entries.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventStatusUpdate EventType = "status_update"
)

var (
	// ErrCommandNotFound is returned when no command has the given id.
	ErrCommandNotFound = errors.New("command not found")

	// ErrCommandNotPending is returned when a status update targets a command
	// that already reached a terminal status.
	ErrCommandNotPending = errors.New("command is not pending")

	// ErrInvalidStatus is returned for transitions to a non-terminal status.
	ErrInvalidStatus = errors.New("invalid command status")
)

// SensorReading is one stored measurement.
type SensorReading struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Raw        []byte    `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is a queued instruction for a device.
type Command struct {
	ID          int64         `json:"id"`
	DeviceID    string        `json:"device_id"`
	CommandType string        `json:"type"`
	Parameters  *string       `json:"parameters"`
	Status      CommandStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExecutedAt  *time.Time    `json:"executed_at,omitempty"`
	Response    *string       `json:"response,omitempty"`
}

// ConnectionEvent is one entry of the connection log.
type ConnectionEvent struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	EventType EventType `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
