package hub

import (
	"time"

	"github.com/stm32hub/stm32hub/internal/store"
)

// Notice types published to observers.
const (
	NoticeDeviceConnected    = "device_connected"
	NoticeDeviceDisconnected = "device_disconnected"
	NoticeDeviceStatus       = "device_status"
	NoticeSensorReading      = "sensor_reading"
	NoticeCommandQueued      = "command_queued"
	NoticeCommandUpdated     = "command_updated"
)

// Notice is a hub event delivered to observers.
type Notice struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload,omitempty"`
}

// CommandUpdate is the payload of command notices.
type CommandUpdate struct {
	CommandID int64               `json:"command_id"`
	Type      string              `json:"type,omitempty"`
	Status    store.CommandStatus `json:"status"`
	Response  string              `json:"response,omitempty"`
}

// Observer receives hub notices. Notify is called from session and
// dispatcher goroutines and must not block.
type Observer interface {
	Notify(n Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notice)

// Notify calls f(n).
func (f ObserverFunc) Notify(n Notice) { f(n) }
