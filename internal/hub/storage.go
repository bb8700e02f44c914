package hub

import "github.com/stm32hub/stm32hub/internal/store"

// Storage is the persistence the hub core depends on.
type Storage interface {
	SaveSensorReading(deviceID, sensorType string, value float64, raw []byte) (int64, error)
	SaveCommand(deviceID, commandType string, parameters *string) (int64, error)
	UpdateCommandStatus(commandID int64, status store.CommandStatus, response string) error
	GetPendingCommands(deviceID string) ([]store.Command, error)
	LogConnectionEvent(deviceID string, eventType store.EventType, detail string) error
}

// History is the read side used by operators.
type History interface {
	RecentReadings(deviceID string, limit int) ([]store.SensorReading, error)
	ClearReadings() (int64, error)
	GetCommand(commandID int64) (*store.Command, error)
	ListCommands(deviceID string, limit int) ([]store.Command, error)
	RecentConnectionEvents(deviceID string, limit int) ([]store.ConnectionEvent, error)
}

// Store combines both sides; *store.Store implements it.
type Store interface {
	Storage
	History
}

var _ Store = (*store.Store)(nil)
