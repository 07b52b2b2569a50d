package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Hardware.Relay.GateOpenSeconds != 8 {
		t.Fatalf("expected gate_open_seconds=8, got=%d", cfg.Hardware.Relay.GateOpenSeconds)
	}
	if cfg.Hardware.Relay.BaudRate != 19200 {
		t.Fatalf("expected baud_rate=19200, got=%d", cfg.Hardware.Relay.BaudRate)
	}
	if cfg.Hardware.Reader.CardTimeoutSeconds != 10 {
		t.Fatalf("expected card_timeout_seconds=10, got=%d", cfg.Hardware.Reader.CardTimeoutSeconds)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("hardware:\n  relay:\n    gate_open_seconds: 3\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Hardware.Relay.GateOpenSeconds != 3 {
		t.Fatalf("expected override, got=%d", cfg.Hardware.Relay.GateOpenSeconds)
	}
	if cfg.Hardware.Relay.Channels != 8 {
		t.Fatalf("expected default channels, got=%d", cfg.Hardware.Relay.Channels)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"channels":   "hardware:\n  relay:\n    channels: 9\n",
		"gate":       "hardware:\n  relay:\n    gate_channel: 0\n",
		"timeout":    "hardware:\n  reader:\n    card_timeout_seconds: -1\n",
		"role":       "assignments:\n  printer:\n    device_key: x\n",
		"redis addr": "publish:\n  redis:\n    enabled: true\n    addr: \"\"\n",
		"qos":        "publish:\n  mqtt:\n    qos: 3\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("server: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestResolvePathAlias(t *testing.T) {
	h := Hardware{Aliases: map[string]string{"/dev/crt285": "/dev/bus/usb/001/004"}}
	if got := h.ResolvePath("/dev/crt285"); got != "/dev/bus/usb/001/004" {
		t.Fatalf("expected alias target, got=%s", got)
	}
	if got := h.ResolvePath("/dev/ttyUSB0"); got != "/dev/ttyUSB0" {
		t.Fatalf("expected passthrough, got=%s", got)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg == nil || cfg.Server.BasePath != "/v0" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestWatchReloadsStore(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	store := NewStore(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads, err := Watch(ctx, store, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	updated := strings.Replace(GenerateDefault(), "gate_open_seconds: 8", "gate_open_seconds: 4", 1)
	if err := os.WriteFile(filepath.Join(dir, "gatehw.yml"), []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case r := <-reloads:
		if r.Err != nil {
			t.Fatalf("reload error: %v", r.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload observed")
	}
	if got := store.Load().Hardware.Relay.GateOpenSeconds; got != 4 {
		t.Fatalf("expected reloaded gate_open_seconds=4, got=%d", got)
	}
}
