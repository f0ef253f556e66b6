package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	d := Defaults()
	if c.Addr != d.Addr || c.DefaultBackend != d.DefaultBackend || c.DBPath != d.DBPath {
		t.Fatalf("got %+v, want defaults %+v", c, d)
	}
}

func TestLoadOverridesAndFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
addr: "0.0.0.0:9999"
default_backend: codex
claude:
  model: opus
codex:
  command: /opt/codex/bin/codex
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != "0.0.0.0:9999" || c.DefaultBackend != "codex" {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.Claude.Model != "opus" || c.Codex.Command != "/opt/codex/bin/codex" {
		t.Fatalf("backend config not applied: %+v", c)
	}
	// Unset fields fall back to defaults.
	if c.DBPath != Defaults().DBPath {
		t.Fatalf("db_path not defaulted: %q", c.DBPath)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
