package safehttp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// Timeouts are the per-operation budgets of a single connection.
type Timeouts struct {
	Open       time.Duration
	Read       time.Duration
	Write      time.Duration
	HeaderRead time.Duration
}

const (
	DefaultOpenTimeout       = 10 * time.Second
	DefaultReadTimeout       = 20 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultHeaderReadTimeout = 20 * time.Second
)

// DefaultTimeouts returns the default connection budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:       DefaultOpenTimeout,
		Read:       DefaultReadTimeout,
		Write:      DefaultWriteTimeout,
		HeaderRead: DefaultHeaderReadTimeout,
	}
}

// guardedConn applies read, write and header-read budgets to a connection.
//
// The read side stays unbounded until the request starts being written, since the
// HTTP transport parks a read on every fresh connection. Each write restarts the
// header clock until the first response byte arrives.
type guardedConn struct {
	net.Conn
	timeouts Timeouts

	mu      sync.Mutex
	guard   *HeaderGuard
	wrote   bool
	readAny bool
	failure error
}

func newGuardedConn(c net.Conn, t Timeouts, now func() time.Time) *guardedConn {
	g := NewHeaderGuard(t.HeaderRead, HeaderTerminator)
	if now != nil {
		g.now = now
	}
	return &guardedConn{Conn: c, timeouts: t, guard: g}
}

func (c *guardedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if err := c.guard.Check(); err != nil {
		c.mu.Unlock()
		return 0, c.fail(err)
	}
	err := c.Conn.SetReadDeadline(c.readDeadlineLocked())
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n, err := c.Conn.Read(p)

	c.mu.Lock()
	if n > 0 {
		c.readAny = true
		c.guard.Observe(p[:n])
	}
	headerErr := c.guard.Check()
	c.mu.Unlock()

	if err != nil && isTimeout(err) {
		if headerErr != nil {
			return n, c.fail(headerErr)
		}
		return n, c.fail(&domain.Error{
			Kind:    domain.KindReadTimeout,
			Message: fmt.Sprintf("Read timed out after %v seconds", c.timeouts.Read.Seconds()),
			Err:     err,
		})
	}
	if err == nil && headerErr != nil {
		return n, c.fail(headerErr)
	}
	return n, err
}

func (c *guardedConn) Write(p []byte) (int, error) {
	if c.timeouts.Write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write)); err != nil {
			return 0, err
		}
	}

	n, err := c.Conn.Write(p)
	if err != nil {
		if isTimeout(err) {
			return n, c.fail(&domain.Error{
				Kind:    domain.KindWriteTimeout,
				Message: fmt.Sprintf("Write timed out after %v seconds", c.timeouts.Write.Seconds()),
				Err:     err,
			})
		}
		return n, err
	}

	c.mu.Lock()
	c.wrote = true
	if !c.readAny {
		c.guard.Start()
	}
	// Re-arm a read that may already be parked.
	err = c.Conn.SetReadDeadline(c.readDeadlineLocked())
	c.mu.Unlock()
	if err != nil {
		return n, err
	}
	return n, nil
}

// readDeadlineLocked returns the earlier of the read and header deadlines.
func (c *guardedConn) readDeadlineLocked() time.Time {
	if !c.wrote {
		return time.Time{}
	}
	var deadline time.Time
	if c.timeouts.Read > 0 {
		deadline = time.Now().Add(c.timeouts.Read)
	}
	if hd := c.guard.Deadline(); !hd.IsZero() && (deadline.IsZero() || hd.Before(deadline)) {
		deadline = hd
	}
	return deadline
}

func (c *guardedConn) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
	return err
}

// Failure returns the first budget violation recorded on the connection.
func (c *guardedConn) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
