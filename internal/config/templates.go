package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "inventory":
		return inventoryTemplate, nil
	case "domain":
		return domainTemplate, nil
	case "host":
		return hostTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const inventoryTemplate = `name = "domain"

[[hosts]]
id = "host-a"
addr = "127.0.0.1:7100"

[[hosts.servers]]
name = "web-1"
group = "web"
auto_start = true

[[hosts.servers]]
name = "db-1"
group = "db"
auto_start = true
`

const domainTemplate = `id = "domain.local"
http_addr = ":9000"
model_path = "local/domain/model.yaml"
inventory_path = "inventory.toml"
cors_origins = ["http://localhost:3000"]
call_timeout = "30s"
workers = 8
server_rollback = false
parallel_server_push = false
monitor_interval = "30s"
monitor_max_failures = 3
evict_inactive = false
admin_token = ""
`

const hostTemplate = `id = "host-a"
listen_addr = "127.0.0.1:7100"
domain_url = "http://127.0.0.1:9000"
inventory_path = "../domainctl/inventory.toml"
announce_attempts = 0
auth_token = ""
`
