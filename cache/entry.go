package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// errCorruptRecord marks a persisted record that cannot be decoded.
var errCorruptRecord = errors.New("corrupt cache record")

// Entry is a cached value and the time it was stored.
type Entry struct {
	// Value is opaque to the cache: a decoded JSON value or a raw text string.
	Value any `json:"value"`

	// StoredAt is the write time in milliseconds since the Unix epoch.
	StoredAt int64 `json:"storedAt"`
}

// Live reports whether the entry is still within ttl at now.
func (e Entry) Live(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.StoredAt < ttl.Milliseconds()
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.StoredAt) * time.Millisecond
}

// record is the persisted form; StoredAt is a pointer so a missing field is detectable.
type record struct {
	Value    json.RawMessage `json:"value"`
	StoredAt *int64          `json:"storedAt"`
}

func encodeEntry(e Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return string(data), nil
}

func decodeEntry(data string) (Entry, error) {
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.StoredAt == nil || rec.Value == nil {
		return Entry{}, fmt.Errorf("%w: missing fields", errCorruptRecord)
	}

	var value any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return Entry{Value: value, StoredAt: *rec.StoredAt}, nil
}
