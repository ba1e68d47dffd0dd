package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("default port", func(t *testing.T) {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Setenv("EGRESS_SERVER__PORT", "9000")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e := cfg.Egress
	if !e.DNSRebindProtection {
		t.Error("DNSRebindProtection = false, want true")
	}
	if e.AllowLocalRequests {
		t.Error("AllowLocalRequests = true, want false")
	}
	want := TimeoutsConfig{
		Open:       10 * time.Second,
		Read:       20 * time.Second,
		Write:      30 * time.Second,
		HeaderRead: 20 * time.Second,
		ReadTotal:  30 * time.Second,
	}
	if e.Timeouts != want {
		t.Errorf("Timeouts = %+v, want %+v", e.Timeouts, want)
	}
	if e.MaxRedirects != 5 {
		t.Errorf("MaxRedirects = %d, want 5", e.MaxRedirects)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("EGRESS_TEST_KEY_HASH", "abc123")

	path := writeConfig(t, `
server:
  port: 9090
egress:
  internal_uris:
    - https://app.example.com
  allowlist:
    - 10.0.0.5
    - 192.168.0.0/24
    - internal.example.com:8443
  allow_local_requests: true
  dns_rebind_protection: false
  silent_mode: true
  timeouts:
    open: 2s
    header_read: 5s
  max_redirects: 3
  log_response_size_threshold: 1048576
storage:
  type: sqlite
  sqlite:
    path: /tmp/egress.db
clients:
  - id: importer
    name: Importer
    allowed_methods: [GET, HEAD]
    allow_policy_overrides: true
    api_keys:
      - key_hash: ${EGRESS_TEST_KEY_HASH}
        description: ci
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.MaxFetchBodyBytes != 10<<20 {
		t.Errorf("MaxFetchBodyBytes = %d, want default %d", cfg.Server.MaxFetchBodyBytes, 10<<20)
	}
	e := cfg.Egress
	if len(e.InternalURIs) != 1 || e.InternalURIs[0] != "https://app.example.com" {
		t.Errorf("InternalURIs = %v", e.InternalURIs)
	}
	if len(e.Allowlist) != 3 {
		t.Errorf("Allowlist = %v, want 3 entries", e.Allowlist)
	}
	if !e.AllowLocalRequests || e.DNSRebindProtection || !e.SilentMode {
		t.Errorf("flags = local:%v rebind:%v silent:%v", e.AllowLocalRequests, e.DNSRebindProtection, e.SilentMode)
	}
	if e.Timeouts.Open != 2*time.Second {
		t.Errorf("Timeouts.Open = %v, want 2s", e.Timeouts.Open)
	}
	if e.Timeouts.HeaderRead != 5*time.Second {
		t.Errorf("Timeouts.HeaderRead = %v, want 5s", e.Timeouts.HeaderRead)
	}
	if e.Timeouts.Read != 20*time.Second {
		t.Errorf("Timeouts.Read = %v, want default 20s", e.Timeouts.Read)
	}
	if e.MaxRedirects != 3 {
		t.Errorf("MaxRedirects = %d, want 3", e.MaxRedirects)
	}
	if e.LogResponseSizeThreshold != 1048576 {
		t.Errorf("LogResponseSizeThreshold = %d", e.LogResponseSizeThreshold)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/egress.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}

	if len(cfg.Clients) != 1 {
		t.Fatalf("Clients = %d, want 1", len(cfg.Clients))
	}
	c := cfg.Clients[0]
	if c.ID != "importer" || len(c.AllowedMethods) != 2 || !c.AllowPolicyOverrides {
		t.Errorf("client = %+v", c)
	}
	if c.APIKeys[0].KeyHash != "abc123" {
		t.Errorf("KeyHash = %q, want substituted abc123", c.APIKeys[0].KeyHash)
	}
	if !cfg.RequiresAuth() {
		t.Error("RequiresAuth() = false, want true")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadFile() error = nil, want error for missing file")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad storage", "storage:\n  type: postgres\n"},
		{"negative fetch cap", "server:\n  max_fetch_body_bytes: -1\n"},
		{"client without id", "clients:\n  - name: x\n"},
		{"duplicate client", "clients:\n  - id: a\n  - id: a\n"},
		{"negative redirects", "egress:\n  max_redirects: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, tt.body)); err == nil {
				t.Errorf("LoadFile() error = nil, want validation error")
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no vars", "plain", "plain"},
		{"single var", "${TEST_VAR}", "test-value"},
		{"embedded", "prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"unset var", "${UNSET_TEST_VAR_XYZ}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
