package config

import (
	"errors"
	"strings"
)

const (
	accountEndpoint = "AccountEndpoint="
	accountKey      = "AccountKey="
)

// ErrConnectionString is returned for malformed store connection strings.
var ErrConnectionString = errors.New(`config: the connection string must contain "AccountEndpoint=" and "AccountKey=" separated by a semi-colon`)

// Connection is a parsed store connection string.
type Connection struct {
	Endpoint string
	Key      string
}

// String hides the key.
func (c Connection) String() string {
	return accountEndpoint + c.Endpoint + ";" + accountKey + "***"
}

// IsMemory reports whether the endpoint selects the in-process store.
func (c Connection) IsMemory() bool {
	return strings.HasPrefix(c.Endpoint, "memory:")
}

// ParseConnectionString splits "AccountEndpoint=<endpoint>;AccountKey=<key>" in either
// order. The endpoint may itself contain '=' (a DSN query string) but not ';'.
func ParseConnectionString(raw string) (Connection, error) {
	var parts []string
	for _, p := range strings.Split(raw, ";") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != 2 {
		return Connection{}, ErrConnectionString
	}
	var conn Connection
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, accountEndpoint):
			conn.Endpoint = strings.TrimPrefix(p, accountEndpoint)
		case strings.HasPrefix(p, accountKey):
			conn.Key = strings.TrimPrefix(p, accountKey)
		}
	}
	if conn.Endpoint == "" || conn.Key == "" {
		return Connection{}, ErrConnectionString
	}
	return conn, nil
}
