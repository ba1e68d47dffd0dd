package egress

import (
	"context"
	"sync"
)

// LazyState is the lifecycle state of a LazyResponse.
type LazyState int

const (
	StateUnscheduled LazyState = iota
	StatePending
	StateFulfilled
	StateRejected
)

func (s LazyState) String() string {
	switch s {
	case StateUnscheduled:
		return "unscheduled"
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// LazyResponse is a request that runs when Execute or Wait is first called.
type LazyResponse struct {
	run func() (*Response, error)

	mu    sync.Mutex
	state LazyState
	done  chan struct{}
	resp  *Response
	err   error
}

// Async prepares a request without sending it. Streaming and silent mode
// requests cannot be deferred.
func (c *Client) Async(ctx context.Context, method, rawURL string, opts RequestOptions) (*LazyResponse, error) {
	if opts.StreamBody || opts.SilentModeEnabled {
		return nil, ErrAsyncIncompatible
	}
	return &LazyResponse{
		run: func() (*Response, error) {
			return c.Do(ctx, method, rawURL, opts)
		},
		done: make(chan struct{}),
	}, nil
}

// Execute schedules the request in the background. Later calls have no effect.
func (l *LazyResponse) Execute() *LazyResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUnscheduled {
		return l
	}
	l.state = StatePending

	go func() {
		resp, err := l.run()

		l.mu.Lock()
		l.resp, l.err = resp, err
		if err != nil {
			l.state = StateRejected
		} else {
			l.state = StateFulfilled
		}
		l.mu.Unlock()
		close(l.done)
	}()
	return l
}

// Wait executes the request if needed and blocks until it completes.
func (l *LazyResponse) Wait() *LazyResponse {
	l.Execute()
	<-l.done
	return l
}

// Value waits for the request and returns its outcome.
func (l *LazyResponse) Value() (*Response, error) {
	l.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resp, l.err
}

// State returns the current state.
func (l *LazyResponse) State() LazyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
