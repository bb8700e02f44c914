package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(zerolog.Nop(), db)
}

func strPtr(s string) *string { return &s }

func TestStore_SaveAndReadReadings(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.SaveSensorReading("10.0.0.5:40001", "TEMPERATURE", 25.5, []byte("SENSOR:TEMPERATURE:25.5"))
	require.NoError(t, err)
	id2, err := s.SaveSensorReading("10.0.0.6:40002", "HUMIDITY", 60.2, nil)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	all, err := s.RecentReadings("", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "HUMIDITY", all[0].SensorType, "newest first")

	one, err := s.RecentReadings("10.0.0.5:40001", 10)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 25.5, one[0].Value)
	assert.Equal(t, []byte("SENSOR:TEMPERATURE:25.5"), one[0].Raw)
	assert.False(t, one[0].Timestamp.IsZero())

	deleted, err := s.ClearReadings()
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	all, err = s.RecentReadings("", 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_PendingCommandsInCreationOrder(t *testing.T) {
	s := newTestStore(t)
	dev := "10.0.0.5:40001"

	first, err := s.SaveCommand(dev, "SET_LED", strPtr("1"))
	require.NoError(t, err)
	second, err := s.SaveCommand(dev, "REBOOT", nil)
	require.NoError(t, err)
	_, err = s.SaveCommand("10.0.0.9:1", "SET_LED", strPtr("0"))
	require.NoError(t, err)

	pending, err := s.GetPendingCommands(dev)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)
	assert.Equal(t, StatusPending, pending[0].Status)
	require.NotNil(t, pending[0].Parameters)
	assert.Equal(t, "1", *pending[0].Parameters)
	assert.Nil(t, pending[1].Parameters)
	assert.Nil(t, pending[0].ExecutedAt)
}

func TestStore_TerminalStatusIsFinal(t *testing.T) {
	s := newTestStore(t)
	dev := "10.0.0.5:40001"

	id, err := s.SaveCommand(dev, "SET_LED", strPtr("1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateCommandStatus(id, StatusExecuted, "ok"))

	err = s.UpdateCommandStatus(id, StatusFailed, "write: broken pipe")
	assert.ErrorIs(t, err, ErrCommandNotPending)
	err = s.UpdateCommandStatus(id, StatusExecuted, "again")
	assert.ErrorIs(t, err, ErrCommandNotPending)

	cmd, err := s.GetCommand(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, cmd.Status)
	require.NotNil(t, cmd.Response)
	assert.Equal(t, "ok", *cmd.Response)
	require.NotNil(t, cmd.ExecutedAt)

	pending, err := s.GetPendingCommands(dev)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_FailedCommandHasNoExecutedAt(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveCommand("dev", "SET_MOTOR", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateCommandStatus(id, StatusFailed, "connection reset"))

	cmd, err := s.GetCommand(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Nil(t, cmd.ExecutedAt)
	require.NotNil(t, cmd.Response)
	assert.Equal(t, "connection reset", *cmd.Response)
}

func TestStore_UpdateCommandStatusErrors(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateCommandStatus(999, StatusExecuted, "ok")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	id, err := s.SaveCommand("dev", "SET_LED", nil)
	require.NoError(t, err)
	err = s.UpdateCommandStatus(id, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = s.GetCommand(12345)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestStore_ConcurrentTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	id, err := s.SaveCommand("dev", "SET_LED", strPtr("1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusExecuted
			if i%2 == 0 {
				status = StatusFailed
			}
			if err := s.UpdateCommandStatus(id, status, "r"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one transition must win")
}

func TestStore_ListCommands(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []string{"A", "B", "C"} {
		_, err := s.SaveCommand("dev", c, nil)
		require.NoError(t, err)
	}

	cmds, err := s.ListCommands("dev", 2)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "C", cmds[0].CommandType)
	assert.Equal(t, "B", cmds[1].CommandType)
}

func TestStore_ConnectionEventsAndRetention(t *testing.T) {
	s := newTestStore(t)
	dev := "10.0.0.5:40001"

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.LogConnectionEvent(dev, EventConnected, ""))

	s.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	require.NoError(t, s.LogConnectionEvent(dev, EventStatusUpdate, `{"type":"status"}`))
	require.NoError(t, s.LogConnectionEvent(dev, EventDisconnected, ""))

	events, err := s.RecentConnectionEvents(dev, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventDisconnected, events[0].EventType)
	assert.Equal(t, `{"type":"status"}`, events[1].Detail)

	deleted, err := s.CleanupOldEvents(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	events, err = s.RecentConnectionEvents(dev, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
