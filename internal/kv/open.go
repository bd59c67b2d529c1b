package kv

import (
	"fmt"
	"strings"
)

// Open selects a backend from a DSN:
//
//	redis://host:port/db  or rediss://...
//	sqlite:///var/lib/ingest/state.db
//	memory://
func Open(dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return NewRedisFromURL(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return OpenSQLite(path)
	case dsn == "memory://":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported state dsn %q", dsn)
	}
}
