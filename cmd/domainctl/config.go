package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/domainctl/internal/domain"
)

// domainctl config.toml key mapping to domain controller settings.
// inventory_path is resolved against the config file's directory.
type fileConfig struct {
	ID                 string   `toml:"id"`
	HTTPAddr           string   `toml:"http_addr"`
	ModelPath          string   `toml:"model_path"`
	ModelName          string   `toml:"model_name"`
	InventoryPath      string   `toml:"inventory_path"`
	CorsOrigins        []string `toml:"cors_origins"`
	CallTimeout        string   `toml:"call_timeout"`
	Workers            int      `toml:"workers"`
	ServerRollback     bool     `toml:"server_rollback"`
	ParallelServerPush bool     `toml:"parallel_server_push"`
	MonitorInterval    string   `toml:"monitor_interval"`
	MonitorMaxFailures int      `toml:"monitor_max_failures"`
	EvictInactive      bool     `toml:"evict_inactive"`
	DialTimeout        string   `toml:"dial_timeout"`
	AdminToken         string   `toml:"admin_token"`
}

func loadServiceConfig(path string) (domain.ServiceConfig, error) {
	cfg := domain.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return domain.ServiceConfig{}, fmt.Errorf("load domain config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("model_path") {
		cfg.ModelPath = strings.TrimSpace(raw.ModelPath)
	}
	if meta.IsDefined("model_name") {
		cfg.ModelName = strings.TrimSpace(raw.ModelName)
	}
	if meta.IsDefined("inventory_path") {
		cfg.InventoryPath = strings.TrimSpace(raw.InventoryPath)
		if cfg.InventoryPath != "" && !filepath.IsAbs(cfg.InventoryPath) {
			cfg.InventoryPath = filepath.Join(filepath.Dir(path), cfg.InventoryPath)
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("call_timeout") {
		d, err := parseDuration("call_timeout", raw.CallTimeout)
		if err != nil {
			return domain.ServiceConfig{}, err
		}
		cfg.CallTimeout = d
		cfg.Wire.CallTimeout = d
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("server_rollback") {
		cfg.ServerRollback = raw.ServerRollback
	}
	if meta.IsDefined("parallel_server_push") {
		cfg.ParallelServerPush = raw.ParallelServerPush
	}
	if meta.IsDefined("monitor_interval") {
		d, err := parseDuration("monitor_interval", raw.MonitorInterval)
		if err != nil {
			return domain.ServiceConfig{}, err
		}
		cfg.MonitorInterval = d
	}
	if meta.IsDefined("monitor_max_failures") {
		cfg.MonitorMaxFailures = raw.MonitorMaxFailures
	}
	if meta.IsDefined("evict_inactive") {
		cfg.EvictInactive = raw.EvictInactive
	}
	if meta.IsDefined("dial_timeout") {
		d, err := parseDuration("dial_timeout", raw.DialTimeout)
		if err != nil {
			return domain.ServiceConfig{}, err
		}
		cfg.Wire.DialTimeout = d
	}

	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive", key)
	}
	return d, nil
}
