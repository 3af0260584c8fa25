package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alpined.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen = ":7700"
log_level = "debug"
frame-interval = "40ms"
verbose = true
retries = 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg["listen"] != ":7700" {
		t.Fatalf("listen = %v", cfg["listen"])
	}
	if cfg["retries"] != int64(3) {
		t.Fatalf("retries = %v (%T)", cfg["retries"], cfg["retries"])
	}
	if cfg["verbose"] != true {
		t.Fatalf("verbose = %v", cfg["verbose"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "listen = [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed toml should error")
	}
}

func TestApplyToFlags(t *testing.T) {
	listen := flag.String("cfgtest-listen", ":7600", "")
	level := flag.String("cfgtest-log-level", "info", "")
	retries := flag.Int("cfgtest-retries", 1, "")
	verbose := flag.Bool("cfgtest-verbose", false, "")
	interval := flag.Duration("cfgtest-interval", time.Second, "")
	kept := flag.String("cfgtest-kept", "default", "")

	ApplyToFlags(map[string]interface{}{
		"cfgtest-listen":    ":7700",
		"cfgtest_log_level": "debug", // underscore variant
		"cfgtest-retries":   int64(9),
		"cfgtest-verbose":   true,
		"cfgtest-interval":  "250ms",
	})

	if *listen != ":7700" {
		t.Fatalf("listen = %q", *listen)
	}
	if *level != "debug" {
		t.Fatalf("log-level = %q", *level)
	}
	if *retries != 9 {
		t.Fatalf("retries = %d", *retries)
	}
	if !*verbose {
		t.Fatal("verbose not applied")
	}
	if *interval != 250*time.Millisecond {
		t.Fatalf("interval = %v", *interval)
	}
	if *kept != "default" {
		t.Fatalf("unrelated flag changed: %q", *kept)
	}
}
