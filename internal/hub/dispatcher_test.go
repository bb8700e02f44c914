package hub

import (
	"bufio"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stm32hub/stm32hub/internal/store"
)

func newTestDispatcher(st Storage) (*Dispatcher, *Registry) {
	reg := NewRegistry()
	return NewDispatcher(zerolog.Nop(), reg, st, nil, time.Hour, nil), reg
}

func strPtr(s string) *string { return &s }

// readLines collects lines written to the far end of a pipe.
func readLines(peer interface{ Read([]byte) (int, error) }) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		br := bufio.NewReader(peer)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			out <- line
		}
	}()
	return out
}

func TestDispatcher_DeliversPendingInOrder(t *testing.T) {
	st := newFakeStore()
	d, reg := newTestDispatcher(st)
	conn, peer := pipeConn(t)
	reg.Register("dev", conn)
	lines := readLines(peer)

	first, _ := st.SaveCommand("dev", "SET_LED", strPtr("1"))
	second, _ := st.SaveCommand("dev", "REBOOT", nil)

	sent, failed := d.RunCycle()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)

	assert.Equal(t, `{"command_id":1,"type":"SET_LED","parameters":"1"}`+"\n", <-lines)
	assert.Equal(t, `{"command_id":2,"type":"REBOOT","parameters":null}`+"\n", <-lines)

	// Written commands stay pending until the device answers.
	assert.Equal(t, store.StatusPending, st.status(first))
	assert.Equal(t, store.StatusPending, st.status(second))
}

func TestDispatcher_DisconnectedDeviceUntouched(t *testing.T) {
	st := newFakeStore()
	d, _ := newTestDispatcher(st)

	id, _ := st.SaveCommand("10.9.9.9:1234", "REBOOT", nil)
	sent, failed := d.RunCycle()

	assert.Zero(t, sent)
	assert.Zero(t, failed)
	assert.Equal(t, store.StatusPending, st.status(id))
}

func TestDispatcher_WriteFailureMarksFailed(t *testing.T) {
	st := newFakeStore()
	d, reg := newTestDispatcher(st)
	conn, peer := pipeConn(t)
	reg.Register("dev", conn)
	require.NoError(t, peer.Close())

	id, _ := st.SaveCommand("dev", "SET_MOTOR", strPtr("50"))
	later, _ := st.SaveCommand("dev", "SET_LED", nil)

	sent, failed := d.RunCycle()
	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)

	assert.Equal(t, store.StatusFailed, st.status(id))
	assert.Equal(t, store.StatusPending, st.status(later), "delivery stops at the broken connection")

	cmd, err := st.GetCommand(id)
	require.NoError(t, err)
	require.NotNil(t, cmd.Response)
	assert.NotEmpty(t, *cmd.Response)
}

func TestDispatcher_DeliversToClaimedSerial(t *testing.T) {
	st := newFakeStore()
	d, reg := newTestDispatcher(st)
	conn, peer := pipeConn(t)
	reg.Register("10.0.0.5:40001", conn)
	require.True(t, reg.Claim("10.0.0.5:40001", "SN-7"))
	lines := readLines(peer)

	_, _ = st.SaveCommand("SN-7", "READ_SENSORS", nil)
	sent, _ := d.RunCycle()
	assert.Equal(t, 1, sent)
	assert.Equal(t, `{"command_id":1,"type":"READ_SENSORS","parameters":null}`+"\n", <-lines)
}

func TestDispatcher_StorageErrorSkipsDevice(t *testing.T) {
	st := newFakeStore()
	st.pendingErr = errors.New("database is locked")
	d, reg := newTestDispatcher(st)
	conn, _ := pipeConn(t)
	reg.Register("dev", conn)

	sent, failed := d.RunCycle()
	assert.Zero(t, sent)
	assert.Zero(t, failed)
}

func TestDispatcher_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	st := newFakeStore()
	st.pendingErr = errors.New("disk I/O error")
	d, reg := newTestDispatcher(st)
	conn, _ := pipeConn(t)
	reg.Register("dev", conn)

	for i := 0; i < 10; i++ {
		d.RunCycle()
	}
	assert.Equal(t, 5, st.pendingHits, "breaker stops hitting storage once open")
}

func TestDispatcher_WakeCoalesces(t *testing.T) {
	d, _ := newTestDispatcher(newFakeStore())
	d.Wake()
	d.Wake()
	d.Wake()
	assert.Len(t, d.wake, 1)
}
