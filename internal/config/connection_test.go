package config

import (
	"errors"
	"testing"
)

func TestParseConnectionString(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		endpoint string
		key      string
	}{
		{"endpoint first", "AccountEndpoint=https://db.example.com:443/;AccountKey=abc==", "https://db.example.com:443/", "abc=="},
		{"key first", "AccountKey=abc;AccountEndpoint=postgres://u@h/db?sslmode=disable", "postgres://u@h/db?sslmode=disable", "abc"},
		{"trailing separator", "AccountEndpoint=memory://;AccountKey=k;", "memory://", "k"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := ParseConnectionString(tc.raw)
			if err != nil {
				t.Fatalf("ParseConnectionString: %v", err)
			}
			if conn.Endpoint != tc.endpoint || conn.Key != tc.key {
				t.Fatalf("got %+v", conn)
			}
		})
	}
}

func TestParseConnectionStringRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"AccountEndpoint=https://x",
		"AccountEndpoint=https://x;AccountKey=",
		"AccountEndpoint=a;AccountKey=b;Extra=c",
		"Endpoint=a;Key=b",
	} {
		if _, err := ParseConnectionString(raw); !errors.Is(err, ErrConnectionString) {
			t.Fatalf("ParseConnectionString(%q) = %v, want ErrConnectionString", raw, err)
		}
	}
}

func TestConnectionStringHidesKey(t *testing.T) {
	conn := Connection{Endpoint: "memory://", Key: "secret"}
	if got := conn.String(); got != "AccountEndpoint=memory://;AccountKey=***" {
		t.Fatalf("String() = %q", got)
	}
}
