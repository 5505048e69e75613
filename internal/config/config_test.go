package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsweb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Namespace != "file" {
		t.Errorf("Storage.Namespace = %q, want %q", cfg.Storage.Namespace, "file")
	}
	if cfg.Storage.Region != "cn-north-1" {
		t.Errorf("Storage.Region = %q, want %q", cfg.Storage.Region, "cn-north-1")
	}
	if cfg.Video.TargetCodec != "h264" {
		t.Errorf("Video.TargetCodec = %q, want h264", cfg.Video.TargetCodec)
	}
	if cfg.Video.ScreenshotOffset != 5 {
		t.Errorf("Video.ScreenshotOffset = %v, want 5", cfg.Video.ScreenshotOffset)
	}
	if len(cfg.Video.Preset.ExtraArgs) != 2 {
		t.Errorf("Video.Preset.ExtraArgs = %v, want faststart flags", cfg.Video.Preset.ExtraArgs)
	}
	if !cfg.Server.MountNamespaceRoutes() {
		t.Error("namespace routes should default to enabled")
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should default to enabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
  namespace_routes: false
storage:
  backend: local
  namespace: docs
  local:
    root_dir: /srv/objects
tools:
  image_format: jpeg
video:
  screenshot_offset: 2.5
tasks:
  workers: 4
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.MountNamespaceRoutes() {
		t.Error("namespace routes should be disabled")
	}
	if cfg.Storage.Namespace != "docs" {
		t.Errorf("Storage.Namespace = %q, want docs", cfg.Storage.Namespace)
	}
	if cfg.Storage.Local.RootDir != "/srv/objects" {
		t.Errorf("Storage.Local.RootDir = %q", cfg.Storage.Local.RootDir)
	}
	if cfg.Tools.ImageFormat != "jpeg" {
		t.Errorf("Tools.ImageFormat = %q, want jpeg", cfg.Tools.ImageFormat)
	}
	if cfg.Video.ScreenshotOffset != 2.5 {
		t.Errorf("Video.ScreenshotOffset = %v, want 2.5", cfg.Video.ScreenshotOffset)
	}
	if cfg.Tasks.Workers != 4 {
		t.Errorf("Tasks.Workers = %d, want 4", cfg.Tasks.Workers)
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("metrics should be disabled")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: tape\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadMinioNeedsEndpoint(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: minio\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for minio without endpoint")
	}
}

func TestLoadFallbackExample(t *testing.T) {
	dir := t.TempDir()
	example := filepath.Join(dir, "fsweb.example.yaml")
	if err := os.WriteFile(example, []byte("storage:\n  backend: memory\n  namespace: fallback\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Namespace != "fallback" {
		t.Errorf("Storage.Namespace = %q, want fallback", cfg.Storage.Namespace)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
