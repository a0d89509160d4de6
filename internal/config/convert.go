package config

import (
	"strings"

	"github.com/danmuck/domainctl/internal/server"
)

// ServerConfigs converts an inventory entry into server instance configs.
func ServerConfigs(entry HostConfig) []server.Config {
	out := make([]server.Config, 0, len(entry.Servers))
	for _, s := range entry.Servers {
		out = append(out, server.Config{
			Name:      strings.TrimSpace(s.Name),
			Group:     strings.TrimSpace(s.Group),
			AutoStart: s.AutoStart,
		})
	}
	return out
}
