package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/domainctl/internal/config"
	"github.com/danmuck/domainctl/internal/host"
)

// hostctl config.toml key mapping to host controller settings.
type fileConfig struct {
	ID               string                `toml:"id"`
	ListenAddr       string                `toml:"listen_addr"`
	AdvertiseAddr    string                `toml:"advertise_addr"`
	DomainURL        string                `toml:"domain_url"`
	InventoryPath    string                `toml:"inventory_path"`
	AnnounceAttempts int                   `toml:"announce_attempts"`
	CallTimeout      string                `toml:"call_timeout"`
	IdleTimeout      string                `toml:"idle_timeout"`
	AuthToken        string                `toml:"auth_token"`
	Servers          []config.ServerConfig `toml:"servers"`
}

// hostctl loader for TOML config with default overlay. Servers come from the
// inventory entry matching id, then any inline [[servers]] are appended.
func loadServiceConfig(path string) (host.ServiceConfig, error) {
	cfg := host.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return host.ServiceConfig{}, fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.HostID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("domain_url") {
		cfg.DomainURL = strings.TrimSpace(raw.DomainURL)
	}
	if meta.IsDefined("announce_attempts") {
		cfg.AnnounceAttempts = raw.AnnounceAttempts
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return host.ServiceConfig{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.Wire.CallTimeout = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return host.ServiceConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Wire.IdleTimeout = d
	}

	if meta.IsDefined("inventory_path") {
		invPath := strings.TrimSpace(raw.InventoryPath)
		if !filepath.IsAbs(invPath) {
			invPath = filepath.Join(filepath.Dir(path), invPath)
		}
		inv, err := config.LoadInventory(invPath)
		if err != nil {
			return host.ServiceConfig{}, err
		}
		entry, ok := inv.Host(cfg.HostID)
		if !ok {
			return host.ServiceConfig{}, fmt.Errorf("%w: host %q not in %s", config.ErrInvalidInventory, cfg.HostID, invPath)
		}
		cfg.Servers = append(cfg.Servers, config.ServerConfigs(entry)...)
		if !meta.IsDefined("listen_addr") {
			cfg.ListenAddr = strings.TrimSpace(entry.Addr)
		}
	}
	if meta.IsDefined("servers") {
		cfg.Servers = append(cfg.Servers, config.ServerConfigs(config.HostConfig{Servers: raw.Servers})...)
	}

	return cfg, nil
}
