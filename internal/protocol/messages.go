// Package protocol defines the line protocol spoken between STM32 devices and the hub.
//
// Devices send one message per line, either as JSON objects or in the plain
// text form SENSOR:<type>:<value>. The hub sends commands back as JSON lines.
package protocol

import (
	"encoding/json"
	"errors"
)

// Message types (device → hub)
const (
	TypeSensorData      = "sensor_data"
	TypeCommandResponse = "command_response"
	TypeStatus          = "status"
	TypeHello           = "hello" // claims a stable device serial
)

// TextSensorPrefix starts every plain text sensor message.
const TextSensorPrefix = "SENSOR:"

// Kind tags a decoded Event.
type Kind string

const (
	KindSensorReading   Kind = "sensor_reading"
	KindCommandResponse Kind = "command_response"
	KindStatus          Kind = "status"
	KindHello           Kind = "hello"
	KindMalformed       Kind = "malformed"
)

// Event is one decoded inbound message. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// KindSensorReading
	SensorType string
	Value      float64

	// KindCommandResponse
	CommandID int64
	Response  string

	// KindStatus: the whole JSON payload. KindMalformed: the reason.
	Detail string

	// KindHello
	Serial string

	// Raw is the trimmed message the event was decoded from.
	Raw []byte
}

// IsMalformed reports whether the event should be dropped.
func (e Event) IsMalformed() bool {
	return e.Kind == KindMalformed
}

// envelope is the common shape of structured inbound messages.
type envelope struct {
	Type      string                     `json:"type"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
	CommandID *json.Number               `json:"command_id,omitempty"`
	Response  json.RawMessage            `json:"response,omitempty"`
	Serial    string                     `json:"serial,omitempty"`
}

// CommandPayload is sent by the hub to deliver a command.
type CommandPayload struct {
	CommandID  int64   `json:"command_id"`
	Type       string  `json:"type"`
	Parameters *string `json:"parameters"` // null when the command has none
}

// SensorDataPayload is the structured form of one or more readings.
type SensorDataPayload struct {
	Type string             `json:"type"`
	Data map[string]float64 `json:"data"`
}

// CommandResponsePayload is sent by a device once it has executed a command.
type CommandResponsePayload struct {
	Type      string `json:"type"`
	CommandID int64  `json:"command_id"`
	Response  string `json:"response"`
}

// HelloPayload is sent by a device to claim its stable serial.
type HelloPayload struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
}

// ErrLineTooLong is returned by LineReader when a message exceeds the buffer.
// The oversized message is discarded and the stream stays usable.
var ErrLineTooLong = errors.New("protocol: message line too long")
