package meshconfig

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfigYAML = `
identity:
  display_name: "alice"
  entropy_file: "identity.entropy"
peers:
  max_peers: 500
telemetry:
  metrics:
    enabled: true
    listen_address: "127.0.0.1:9091"
`

func writeTestConfig(t testing.TB, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want alice", cfg.Identity.DisplayName)
	}
	if cfg.Peers.MaxPeers != 500 {
		t.Errorf("MaxPeers = %d, want 500", cfg.Peers.MaxPeers)
	}
	if !cfg.Telemetry.Metrics.Enabled || cfg.Telemetry.Metrics.ListenAddress != "127.0.0.1:9091" {
		t.Errorf("Telemetry = %+v, unexpected", cfg.Telemetry)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1 (defaulted)", cfg.Version)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load must fail for a missing file")
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "version: 99\nidentity:\n  entropy_file: x\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load must reject a config version newer than CurrentConfigVersion")
	}
}

func TestLoadRequiresEntropyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "identity:\n  display_name: bob\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load must reject a config missing identity.entropy_file")
	}
}

func TestLoadRequiresListenAddressWhenMetricsEnabled(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "identity:\n  entropy_file: x\ntelemetry:\n  metrics:\n    enabled: true\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load must reject metrics.enabled without a listen_address")
	}
}

func TestFindConfigFileExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	got, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestFindConfigFileMissingExplicitPath(t *testing.T) {
	if _, err := FindConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("FindConfigFile must fail for a missing explicit path")
	}
}
