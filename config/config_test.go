package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mihaisoloi/james-mailbox-sub001/boxmgmt"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailstore.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
backend:
  kind: sqlite
  dir: /var/lib/mailstore
watch:
  interval: 1m
  perSecond: 5
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Backend: BackendConfig{Kind: "sqlite", Dir: "/var/lib/mailstore", BatchSize: 100},
		Watch:   WatchConfig{Interval: time.Minute, PerSecond: 5, Concurrency: 4},
		Log:     LogConfig{Level: "debug"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	opts, err := cfg.BoxOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Kind != boxmgmt.SQLite || opts.Dir != "/var/lib/mailstore" || opts.BatchSize != 100 {
		t.Errorf("BoxOptions()=%+v", opts)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, contents := range []string{
		"backend:\n  kind: floppy\n",
		"backend:\n  kind: bolt\n",
		"backend:\n  colour: blue\n",
		"watch:\n  interval: 0s\n",
		"log:\n  level: loud\n",
	} {
		if _, err := Load(writeFile(t, contents)); err == nil {
			t.Errorf("Load(%q): no error", contents)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file: no error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MAILSTORE_BACKEND":       "bolt",
		"MAILSTORE_DIR":           "/tmp/boxes",
		"MAILSTORE_LOCAL_LOCKS":   "true",
		"MAILSTORE_BATCH_SIZE":    " 7 ",
		"MAILSTORE_POLL_INTERVAL": "5s",
		"MAILSTORE_POLL_RATE":     "0.5",
		"MAILSTORE_LOG_LEVEL":     "warn",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Backend: BackendConfig{Kind: "bolt", Dir: "/tmp/boxes", LocalLocks: true, BatchSize: 7},
		Watch:   WatchConfig{Interval: 5 * time.Second, PerSecond: 0.5, Concurrency: 4},
		Log:     LogConfig{Level: "warn"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}

	env = map[string]string{"MAILSTORE_BATCH_SIZE": "lots"}
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("bad MAILSTORE_BATCH_SIZE: no error")
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Development = true
	log, err := cfg.Logger()
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("logger built")
}
