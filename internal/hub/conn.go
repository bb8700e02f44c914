package hub

import (
	"net"
	"sync"
	"time"
)

// Conn is a live device connection.
//
// The session that accepted it owns reading and closing; the dispatcher only
// writes through WriteLine, which serializes concurrent writers.
type Conn struct {
	ID          string // device identity, <remote-ip>:<remote-port>
	SessionID   string
	ConnectedAt time.Time

	nc           net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newConn(nc net.Conn, sessionID string, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           nc.RemoteAddr().String(),
		SessionID:    sessionID,
		ConnectedAt:  time.Now(),
		nc:           nc,
		writeTimeout: writeTimeout,
	}
}

// WriteLine writes one complete message to the device.
func (c *Conn) WriteLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(data)
	return err
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
