// Package config loads the cluster inventory: which hosts exist, where their
// wire endpoints listen, and which servers each supervises.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidInventory = errors.New("config: invalid inventory")

type Inventory struct {
	Name  string       `toml:"name"`
	Hosts []HostConfig `toml:"hosts"`
}

type HostConfig struct {
	ID      string         `toml:"id"`
	Addr    string         `toml:"addr"`
	Servers []ServerConfig `toml:"servers"`
}

type ServerConfig struct {
	Name      string `toml:"name"`
	Group     string `toml:"group"`
	AutoStart bool   `toml:"auto_start"`
}

func LoadInventory(path string) (Inventory, error) {
	var inv Inventory
	if err := loadToml(path, &inv); err != nil {
		return Inventory{}, err
	}
	if inv.Name == "" {
		inv.Name = "domain"
	}
	if err := ValidateInventory(inv); err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

// Host returns the entry for id.
func (inv Inventory) Host(id string) (HostConfig, bool) {
	id = strings.TrimSpace(id)
	for _, h := range inv.Hosts {
		if strings.TrimSpace(h.ID) == id {
			return h, true
		}
	}
	return HostConfig{}, false
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// CheckToml reports whether path parses as TOML at all.
func CheckToml(path string) error {
	var raw map[string]any
	return loadToml(path, &raw)
}

func ValidateInventory(inv Inventory) error {
	seen := make(map[string]struct{}, len(inv.Hosts))
	for i, h := range inv.Hosts {
		if err := ValidateHostEntry(h); err != nil {
			return fmt.Errorf("%w: hosts[%d]: %v", ErrInvalidInventory, i, err)
		}
		id := strings.TrimSpace(h.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate host id %q", ErrInvalidInventory, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func ValidateHostEntry(cfg HostConfig) error {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("id %q must not contain '/'", id)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	names := make(map[string]struct{}, len(cfg.Servers))
	for i, s := range cfg.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, name)
		}
		names[name] = struct{}{}
	}
	return nil
}
