package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/auth"
	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/egress"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
	"github.com/tjfontaine/egress-gateway/internal/testutil"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Egress: config.EgressConfig{
			AllowLocalRequests:  true,
			DNSRebindProtection: true,
		},
	}
}

func newUpstream(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	u, _ := url.Parse(upstream.URL)
	return upstream, "http://upstream.test:" + u.Port()
}

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithResolver(testutil.StaticResolver{"upstream.test": {"127.0.0.1"}}),
		WithProxyEnv(urlguard.NewProxyEnv(nil)),
	}
	return append(opts, extra...)
}

func TestGateway_New_RequiredOptions(t *testing.T) {
	// Should fail without config provider
	_, err := New()
	if err == nil {
		t.Fatal("Expected error without config provider")
	}
	if err.Error() != "config provider required (use WithFileConfig or WithConfigProvider)" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestGateway_New_Defaults(t *testing.T) {
	gw, err := New(WithConfig(testConfig()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if gw.storage == nil {
		t.Error("Expected default storage")
	}
	if gw.events == nil {
		t.Error("Expected default event publisher")
	}
	if gw.policy == nil {
		t.Error("Expected default policy")
	}
	if gw.Client() != nil {
		t.Error("Client should be nil before Start")
	}
}

func TestGateway_New_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0
	if _, err := New(WithConfig(cfg)); err == nil {
		t.Fatal("Expected error for invalid config")
	}
}

func TestGateway_StartWithoutServer(t *testing.T) {
	_, base := newUpstream(t)

	gw, err := New(testOptions(WithConfig(testConfig()), WithoutServer())...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Shutdown(ctx)

	client := gw.Client()
	if client == nil {
		t.Fatal("Client should be set after Start")
	}

	resp, err := client.Get(ctx, base+"/ping", egress.RequestOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(resp.Body) != "GET /ping" {
		t.Errorf("Body = %q, want %q", resp.Body, "GET /ping")
	}
}

func TestGateway_FailuresAudited(t *testing.T) {
	cfg := testConfig()
	cfg.Egress.AllowLocalRequests = false

	gw, err := New(testOptions(WithConfig(cfg), WithoutServer())...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Shutdown(ctx)

	_, err = gw.Client().Get(ctx, "http://upstream.test/", egress.RequestOptions{})
	if !errors.Is(err, domain.ErrBlockedURL) {
		t.Fatalf("Get error = %v, want blocked_url", err)
	}

	events, err := gw.Storage().ListAuditEvents(ctx, ports.ListOptions{})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.AuditRequestFailed {
		t.Errorf("events = %+v, want one request_failed", events)
	}
}

func TestGateway_ConfigReload(t *testing.T) {
	_, base := newUpstream(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeConfig := func(silent bool) {
		content := fmt.Sprintf(`
server:
  port: 8080
egress:
  allow_local_requests: true
  silent_mode: %t
`, silent)
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	writeConfig(false)

	gw, err := New(testOptions(WithFileConfig(configPath), WithoutServer())...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Shutdown(ctx)

	before := gw.Client()
	if _, err := before.Post(ctx, base+"/", egress.RequestOptions{}); err != nil {
		t.Fatalf("Post before reload failed: %v", err)
	}

	// Give the watcher time to start
	time.Sleep(100 * time.Millisecond)
	writeConfig(true)

	deadline := time.Now().Add(5 * time.Second)
	for !gw.Client().Settings().SilentMode.Enabled() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	after := gw.Client()
	if after == before {
		t.Fatal("client was not rebuilt after config change")
	}
	if before.Settings().SilentMode.Enabled() {
		t.Error("the previous client must keep its settings")
	}

	_, err = after.Post(ctx, base+"/", egress.RequestOptions{})
	if !errors.Is(err, domain.ErrSilentModeBlocked) {
		t.Errorf("Post after reload error = %v, want silent_mode_blocked", err)
	}
}

func TestGateway_ServeControlAPI(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig()
	cfg.Server.Port = port
	cfg.Clients = []config.ClientConfig{{
		ID:      "billing",
		Name:    "Billing",
		APIKeys: []config.APIKeyConfig{{KeyHash: auth.HashAPIKey("secret")}},
	}}

	gw, err := New(testOptions(WithConfig(cfg))...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Shutdown(ctx)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHealthy(t, baseURL)

	body := `{"url":"http://169.254.169.254/"}`
	resp, err := http.Post(baseURL+"/v1/validate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/validate failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/validate", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/validate failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with key = %d, want 200", resp.StatusCode)
	}
}

func waitForHealthy(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not become healthy")
}

func TestWithStorageConfig(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name        string
		cfg         config.StorageConfig
		wantStorage bool
		wantErr     bool
	}{
		{name: "default", cfg: config.StorageConfig{}, wantStorage: true},
		{name: "memory", cfg: config.StorageConfig{Type: "memory"}, wantStorage: true},
		{
			name:        "sqlite",
			cfg:         config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(tmpDir, "audit.db")}},
			wantStorage: true,
		},
		{
			name:        "sqlite dsn",
			cfg:         config.StorageConfig{Type: "sqlite", Database: config.DatabaseConfig{DSN: "file:storage-dsn?mode=memory&cache=shared"}},
			wantStorage: true,
		},
		{name: "none", cfg: config.StorageConfig{Type: "none"}},
		{name: "unknown", cfg: config.StorageConfig{Type: "postgres"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := New(WithConfig(testConfig()), WithStorageConfig(tt.cfg))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer gw.Shutdown(context.Background())

			if got := gw.storage != nil; got != tt.wantStorage {
				t.Errorf("storage set = %v, want %v", got, tt.wantStorage)
			}
			if got := gw.events != nil; got != tt.wantStorage {
				t.Errorf("events set = %v, want %v", got, tt.wantStorage)
			}
		})
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.EgressConfig{
		InternalURIs:                 []string{"https://app.example.com"},
		Allowlist:                    []string{"10.0.0.0/8", "internal.example.com:8443"},
		DNSRebindProtection:          true,
		DenyAllRequestsExceptAllowed: true,
		Timeouts: config.TimeoutsConfig{
			Open:      3 * time.Second,
			ReadTotal: 45 * time.Second,
		},
		MaxRedirects:             2,
		LogResponseSizeThreshold: 1024,
	}

	s, err := SettingsFromConfig(cfg)
	if err != nil {
		t.Fatalf("SettingsFromConfig failed: %v", err)
	}

	if len(s.InternalURIs) != 1 || s.InternalURIs[0].Host != "app.example.com" {
		t.Errorf("InternalURIs = %v", s.InternalURIs)
	}
	if s.Allowlist.Len() != 2 {
		t.Errorf("Allowlist.Len() = %d, want 2", s.Allowlist.Len())
	}
	if !s.DenyAllRequestsExceptAllowed.Enabled() {
		t.Error("DenyAllRequestsExceptAllowed should be enabled")
	}
	if s.SilentMode.Enabled() {
		t.Error("SilentMode should be disabled")
	}
	if s.Timeouts.Open != 3*time.Second {
		t.Errorf("Timeouts.Open = %v, want 3s", s.Timeouts.Open)
	}
	if s.Timeouts.Read != egress.DefaultSettings().Timeouts.Read {
		t.Errorf("Timeouts.Read = %v, want default", s.Timeouts.Read)
	}
	if s.ReadTotalTimeout != 45*time.Second {
		t.Errorf("ReadTotalTimeout = %v, want 45s", s.ReadTotalTimeout)
	}
	if s.MaxRedirects != 2 {
		t.Errorf("MaxRedirects = %d, want 2", s.MaxRedirects)
	}

	if _, err := SettingsFromConfig(config.EgressConfig{InternalURIs: []string{"not a url"}}); err == nil {
		t.Error("Expected error for invalid internal uri")
	}
}
