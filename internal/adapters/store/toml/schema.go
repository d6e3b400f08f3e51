package toml

import (
	"fmt"
	"time"
)

const currentSchemaVersion = 1

type fileSchema struct {
	Version int           `toml:"version"`
	Entries []entrySchema `toml:"entries"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported sessions schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

// entrySchema keeps the value as text; pool values are JSON documents.
type entrySchema struct {
	Key       string            `toml:"key"`
	Value     string            `toml:"value"`
	Metadata  map[string]string `toml:"metadata,omitempty"`
	ExpiresAt string            `toml:"expires_at,omitempty"`
}

func (e entrySchema) expired(now time.Time) bool {
	expiresAt := parseTime(e.ExpiresAt)
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(time.RFC3339Nano)
}
