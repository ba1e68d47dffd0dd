package egress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

const fragmentSize = 16 * 1024

// readBody buffers r while enforcing the total-read budget. The clock starts at
// the first fragment and is checked after every fragment, so a body trickled in
// small pieces fails even when no single read is slow. A positive maxSize caps
// the buffered body.
func (c *Client) readBody(r io.Reader, budget time.Duration, maxSize int64, onFragment func([]byte) error) ([]byte, error) {
	var (
		buf   bytes.Buffer
		start time.Time
		chunk = make([]byte, fragmentSize)
	)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if start.IsZero() {
				start = c.now()
			}
			if maxSize > 0 && int64(buf.Len()+n) > maxSize {
				return nil, domain.NewError(domain.KindResponseTooLarge,
					fmt.Sprintf("Response body exceeds %d bytes", maxSize))
			}
			buf.Write(chunk[:n])
			if onFragment != nil {
				if ferr := onFragment(chunk[:n]); ferr != nil {
					return nil, fmt.Errorf("fragment callback: %w", ferr)
				}
			}
			if elapsed := c.now().Sub(start); elapsed > budget {
				return nil, domain.NewError(domain.KindReadTotalTimeout,
					fmt.Sprintf("Request timed out after %v seconds", elapsed.Seconds()))
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// streamBody hands every fragment to onFragment without buffering or a
// total-read budget.
func streamBody(r io.Reader, onFragment func([]byte) error) (int64, error) {
	var (
		total int64
		chunk = make([]byte, fragmentSize)
	)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if onFragment != nil {
				if ferr := onFragment(chunk[:n]); ferr != nil {
					return total, fmt.Errorf("fragment callback: %w", ferr)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
