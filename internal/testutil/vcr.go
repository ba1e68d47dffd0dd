// Package testutil holds shared test helpers.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRRecorder creates a VCR recorder reading testdata/fixtures/<cassetteName>.yaml.
// With VCR_MODE=record, requests go through real and the cassette is rewritten.
// A nil real transport uses http.DefaultTransport when recording.
func NewVCRRecorder(t *testing.T, cassetteName string, real http.RoundTripper) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, real)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Don't match on request body for simplicity
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	// Never persist credentials
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		delete(i.Request.Headers, "Cookie")
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}

// StaticResolver resolves names from a fixed table, for tests that must not
// touch real DNS.
type StaticResolver map[string][]string

// LookupNetIP implements urlguard.Resolver.
func (s StaticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := s[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	addrs := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", host, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
