package egress

import (
	"net/http"
	"sync"

	"github.com/tjfontaine/egress-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

// TransportFactory creates the round tripper for one validated hop.
type TransportFactory func(res urlguard.Result, t safehttp.Timeouts) http.RoundTripper

// failureReporter is implemented by transports that record budget violations.
type failureReporter interface {
	Failure() error
}

// guardedTransport validates every hop of a request, redirects included, before
// handing it to a transport pinned to the validated address.
type guardedTransport struct {
	guard    *urlguard.Guard
	policy   urlguard.PolicyOptions
	timeouts safehttp.Timeouts
	factory  TransportFactory

	mu   sync.Mutex
	hops []http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.guard.ValidateURL(req.Context(), req.URL, t.policy)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	rt := t.factory(res, t.timeouts)
	t.mu.Lock()
	t.hops = append(t.hops, rt)
	t.mu.Unlock()

	return rt.RoundTrip(req)
}

// failure returns the budget violation recorded by the most recent hop.
func (t *guardedTransport) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hops) == 0 {
		return nil
	}
	if fr, ok := t.hops[len(t.hops)-1].(failureReporter); ok {
		return fr.Failure()
	}
	return nil
}

// close releases every hop's connections.
func (t *guardedTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rt := range t.hops {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}
