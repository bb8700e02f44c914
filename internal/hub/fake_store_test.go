package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stm32hub/stm32hub/internal/store"
)

// fakeStore is an in-memory Store with the same transition rules as store.Store.
type fakeStore struct {
	mu          sync.Mutex
	readingID   int64
	commandID   int64
	eventID     int64
	readings    []store.SensorReading
	commands    []*store.Command
	events      []store.ConnectionEvent
	pendingErr  error
	pendingHits int
	saveErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) SaveSensorReading(deviceID, sensorType string, value float64, raw []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	r := store.SensorReading{ID: next(&f.readingID), DeviceID: deviceID, SensorType: sensorType, Value: value, Raw: raw, Timestamp: time.Now()}
	f.readings = append(f.readings, r)
	return r.ID, nil
}

func (f *fakeStore) SaveCommand(deviceID, commandType string, parameters *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &store.Command{ID: next(&f.commandID), DeviceID: deviceID, CommandType: commandType, Parameters: parameters, Status: store.StatusPending, CreatedAt: time.Now()}
	f.commands = append(f.commands, c)
	return c.ID, nil
}

func (f *fakeStore) UpdateCommandStatus(commandID int64, status store.CommandStatus, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !status.IsTerminal() {
		return store.ErrInvalidStatus
	}
	for _, c := range f.commands {
		if c.ID != commandID {
			continue
		}
		if c.Status != store.StatusPending {
			return fmt.Errorf("command %d: %w", commandID, store.ErrCommandNotPending)
		}
		c.Status = status
		c.Response = &response
		if status == store.StatusExecuted {
			now := time.Now()
			c.ExecutedAt = &now
		}
		return nil
	}
	return fmt.Errorf("command %d: %w", commandID, store.ErrCommandNotFound)
}

func (f *fakeStore) GetPendingCommands(deviceID string) ([]store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingHits++
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	var out []store.Command
	for _, c := range f.commands {
		if c.DeviceID == deviceID && c.Status == store.StatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) LogConnectionEvent(deviceID string, eventType store.EventType, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, store.ConnectionEvent{ID: next(&f.eventID), DeviceID: deviceID, EventType: eventType, Detail: detail, Timestamp: time.Now()})
	return nil
}

func (f *fakeStore) RecentReadings(deviceID string, limit int) ([]store.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SensorReading
	for i := len(f.readings) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceID == "" || f.readings[i].DeviceID == deviceID {
			out = append(out, f.readings[i])
		}
	}
	return out, nil
}

func (f *fakeStore) ClearReadings() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.readings))
	f.readings = nil
	return n, nil
}

func (f *fakeStore) GetCommand(commandID int64) (*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.ID == commandID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrCommandNotFound
}

func (f *fakeStore) ListCommands(deviceID string, limit int) ([]store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Command
	for _, c := range f.commands {
		if c.DeviceID == deviceID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) RecentConnectionEvents(deviceID string, limit int) ([]store.ConnectionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ConnectionEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].DeviceID == deviceID {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeStore) setSaveErr(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

func (f *fakeStore) eventDetails(deviceID string, eventType store.EventType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.DeviceID == deviceID && e.EventType == eventType {
			out = append(out, e.Detail)
		}
	}
	return out
}

func (f *fakeStore) readingsFor(deviceID string) []store.SensorReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SensorReading
	for _, r := range f.readings {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeStore) status(commandID int64) store.CommandStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.ID == commandID {
			return c.Status
		}
	}
	return ""
}

func (f *fakeStore) eventTypes(deviceID string) []store.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EventType
	for _, e := range f.events {
		if e.DeviceID == deviceID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func next(counter *int64) int64 {
	*counter++
	return *counter
}

var _ Store = (*fakeStore)(nil)
