package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidServerIdentity = errors.New("node: invalid server identity")

// Node is any addressable participant in the cluster tree.
type Node interface {
	NodeID() string
	Kind() string
}

// ServerIdentity names one managed server under one host. It is a map key
// only; nothing dereferences it.
type ServerIdentity struct {
	Host   string `json:"host"`
	Server string `json:"server"`
}

func NewServerIdentity(host, server string) ServerIdentity {
	return ServerIdentity{Host: strings.TrimSpace(host), Server: strings.TrimSpace(server)}
}

func (id ServerIdentity) String() string {
	return id.Host + "/" + id.Server
}

// Valid reports whether both halves are set.
func (id ServerIdentity) Valid() bool {
	return id.Host != "" && id.Server != ""
}

// MarshalText lets identities key JSON objects.
func (id ServerIdentity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ServerIdentity) UnmarshalText(text []byte) error {
	parsed, err := ParseServerIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseServerIdentity reads the "host/server" form.
func ParseServerIdentity(raw string) (ServerIdentity, error) {
	host, server, ok := strings.Cut(strings.TrimSpace(raw), "/")
	id := NewServerIdentity(host, server)
	if !ok || !id.Valid() {
		return ServerIdentity{}, fmt.Errorf("%w: %q", ErrInvalidServerIdentity, raw)
	}
	return id, nil
}

// SortServers orders identities by host then server, in place.
func SortServers(ids []ServerIdentity) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Host != ids[j].Host {
			return ids[i].Host < ids[j].Host
		}
		return ids[i].Server < ids[j].Server
	})
}
