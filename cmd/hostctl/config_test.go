package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/domainctl/internal/config"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadServiceConfigFromInventory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "hostctl")
	for _, d := range []string{dir, filepath.Join(root, "domainctl")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	inv, err := config.Template("inventory")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	writeFile(t, filepath.Join(root, "domainctl"), "inventory.toml", inv)
	hostTmpl, err := config.Template("host")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	path := writeFile(t, dir, "config.toml", hostTmpl+"call_timeout = \"3s\"\n\n[[servers]]\nname = \"cache-1\"\ngroup = \"cache\"\n")

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HostID != "host-a" {
		t.Fatalf("unexpected id: %q", cfg.HostID)
	}
	if cfg.ListenAddr != "127.0.0.1:7100" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.DomainURL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected domain url: %q", cfg.DomainURL)
	}
	if cfg.Wire.CallTimeout != 3*time.Second {
		t.Fatalf("unexpected call timeout: %v", cfg.Wire.CallTimeout)
	}
	if len(cfg.Servers) != 3 {
		t.Fatalf("unexpected servers: %+v", cfg.Servers)
	}
	if cfg.Servers[0].Name != "web-1" || !cfg.Servers[0].AutoStart || cfg.Servers[2].Name != "cache-1" || cfg.Servers[2].AutoStart {
		t.Fatalf("unexpected server order or flags: %+v", cfg.Servers)
	}
}

func TestLoadServiceConfigUnknownInventoryHost(t *testing.T) {
	dir := t.TempDir()
	inv, err := config.Template("inventory")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	writeFile(t, dir, "inventory.toml", inv)
	path := writeFile(t, dir, "config.toml", "id = \"host-z\"\ninventory_path = \"inventory.toml\"\n")

	if _, err := loadServiceConfig(path); !errors.Is(err, config.ErrInvalidInventory) {
		t.Fatalf("expected ErrInvalidInventory, got %v", err)
	}
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "domain_url = \"\"\n")
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HostID != "host.local" || cfg.ListenAddr != "127.0.0.1:7100" || len(cfg.Servers) != 0 {
		t.Fatalf("expected defaults: %+v", cfg)
	}
}
