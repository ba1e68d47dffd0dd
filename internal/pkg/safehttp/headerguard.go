package safehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// HeaderTerminator separates HTTP/1.x response headers from the body.
var HeaderTerminator = []byte("\r\n\r\n")

// statusPrefixLen is enough of a header block to hold "HTTP/1.1 103".
const statusPrefixLen = 16

// HeaderGuard bounds the wall-clock time spent receiving response headers.
// Informational (1xx) header blocks re-arm the guard with a fresh clock; only
// the final header block disarms it. It is not safe for concurrent use.
type HeaderGuard struct {
	limit      time.Duration
	terminator []byte
	failure    []int
	matched    int
	status     []byte
	start      time.Time
	done       bool
	now        func() time.Time
}

// NewHeaderGuard creates a guard that disarms once terminator has been observed.
func NewHeaderGuard(limit time.Duration, terminator []byte) *HeaderGuard {
	return &HeaderGuard{
		limit:      limit,
		terminator: terminator,
		failure:    failureTable(terminator),
		now:        time.Now,
	}
}

// Start (re)starts the clock. It has no effect once the guard is done.
func (g *HeaderGuard) Start() {
	if !g.done {
		g.start = g.now()
	}
}

// Started reports whether the clock is running.
func (g *HeaderGuard) Started() bool {
	return !g.start.IsZero()
}

// Done reports whether the terminator of a final header block has been observed.
func (g *HeaderGuard) Done() bool {
	return g.done
}

// Deadline returns the instant the guard expires, or the zero time when disarmed.
func (g *HeaderGuard) Deadline() time.Time {
	if g.done || g.limit <= 0 || g.start.IsZero() {
		return time.Time{}
	}
	return g.start.Add(g.limit)
}

// Check fails with a header_read_timeout error once the limit has elapsed.
func (g *HeaderGuard) Check() error {
	if g.done || g.limit <= 0 || g.start.IsZero() {
		return nil
	}
	if elapsed := g.now().Sub(g.start); elapsed >= g.limit {
		return headerTimeout(elapsed, nil)
	}
	return nil
}

// Observe scans p for the terminator, continuing a match begun in an earlier call.
// A block that starts with an informational status line restarts the clock and
// scanning continues with the next block.
func (g *HeaderGuard) Observe(p []byte) {
	if g.done || len(g.terminator) == 0 {
		return
	}
	for _, b := range p {
		if len(g.status) < statusPrefixLen {
			g.status = append(g.status, b)
		}
		for g.matched > 0 && b != g.terminator[g.matched] {
			g.matched = g.failure[g.matched-1]
		}
		if b == g.terminator[g.matched] {
			g.matched++
		}
		if g.matched < len(g.terminator) {
			continue
		}
		if !informational(g.status) {
			g.done = true
			return
		}
		g.matched = 0
		g.status = g.status[:0]
		g.start = g.now()
	}
}

// informational reports whether line starts with a 1xx status line that is
// followed by another response. 101 hands the connection to another protocol.
func informational(line []byte) bool {
	if !bytes.HasPrefix(line, []byte("HTTP/")) {
		return false
	}
	i := bytes.IndexByte(line, ' ')
	if i < 0 || len(line) < i+4 {
		return false
	}
	code, err := strconv.Atoi(string(line[i+1 : i+4]))
	if err != nil {
		return false
	}
	return code >= 100 && code < 200 && code != http.StatusSwitchingProtocols
}

func headerTimeout(elapsed time.Duration, cause error) error {
	return &domain.Error{
		Kind:    domain.KindHeaderReadTimeout,
		Message: fmt.Sprintf("Request timed out after reading headers for %v seconds", elapsed.Seconds()),
		Err:     cause,
	}
}

func failureTable(term []byte) []int {
	f := make([]int, len(term))
	k := 0
	for i := 1; i < len(term); i++ {
		for k > 0 && term[i] != term[k] {
			k = f[k-1]
		}
		if term[i] == term[k] {
			k++
		}
		f[i] = k
	}
	return f
}

// HeaderReader reads from r until a terminator while enforcing a HeaderGuard.
// Bytes read past the terminator are kept and returned by Read.
type HeaderReader struct {
	r     io.Reader
	limit time.Duration
	buf   []byte
	now   func() time.Time
}

// NewHeaderReader wraps r. limit bounds each ReadUntil call.
func NewHeaderReader(r io.Reader, limit time.Duration) *HeaderReader {
	return &HeaderReader{r: r, limit: limit, now: time.Now}
}

// ReadUntil returns everything up to and including terminator. The clock starts
// when the call starts and is checked before every fill of the buffer. On EOF the
// buffered bytes are returned together with io.ErrUnexpectedEOF, unless ignoreEOF
// is set, in which case they are returned without error.
func (h *HeaderReader) ReadUntil(terminator []byte, ignoreEOF bool) ([]byte, error) {
	guard := NewHeaderGuard(h.limit, terminator)
	guard.now = h.now
	guard.Start()

	chunk := make([]byte, 4096)
	for {
		if i := bytes.Index(h.buf, terminator); i >= 0 {
			end := i + len(terminator)
			out := append([]byte(nil), h.buf[:end]...)
			h.buf = h.buf[end:]
			return out, nil
		}

		if err := guard.Check(); err != nil {
			return nil, err
		}

		n, err := h.r.Read(chunk)
		h.buf = append(h.buf, chunk[:n]...)
		if err == io.EOF {
			if i := bytes.Index(h.buf, terminator); i >= 0 {
				continue
			}
			out := h.buf
			h.buf = nil
			if ignoreEOF {
				return out, nil
			}
			return out, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// Read drains buffered bytes before reading from the underlying reader.
func (h *HeaderReader) Read(p []byte) (int, error) {
	if len(h.buf) > 0 {
		n := copy(p, h.buf)
		h.buf = h.buf[n:]
		return n, nil
	}
	return h.r.Read(p)
}
