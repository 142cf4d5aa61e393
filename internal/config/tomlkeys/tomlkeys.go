// Package tomlkeys flattens TOML documents into normalized dotted keys so that table
// and dotted spellings, underscores and hyphens, and key case all resolve the same way.
package tomlkeys

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Store struct {
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

func Decode(data []byte) (Store, error) {
	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

// FromRaw flattens raw. When two spellings normalize to the same key the
// lexically first one wins.
func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flatten("", raw, flat)

	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	normalized := make(map[string]any, len(flat))
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}
	return Store{flat: normalized}
}

func (s Store) GetBool(key string) (bool, bool) {
	return Bool(s.flat[NormalizeKey(key)])
}

func (s Store) GetInt(key string) (int64, bool) {
	return Int(s.flat[NormalizeKey(key)])
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)].(string)
	return value, ok
}

func (s Store) GetStrings(key string) ([]string, bool) {
	return Strings(s.flat[NormalizeKey(key)])
}

// Bool accepts TOML booleans and the strings environment variables carry.
func Bool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return parsed, err == nil
	}
	return false, false
}

// Int accepts integers, integral floats and decimal strings.
func Int(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// Strings accepts arrays of strings or a comma-separated string.
func Strings(value any) ([]string, bool) {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, text)
		}
		return out, true
	case string:
		var out []string
		for _, part := range strings.Split(typed, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	}
	return nil, false
}

// Millis reads a millisecond count.
func Millis(value any) (time.Duration, bool) {
	ms, ok := Int(value)
	if !ok || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ToLower(part), "_", "-")
	}
	return strings.Join(parts, ".")
}

func flatten(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		joined := key
		if prefix != "" {
			joined = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flatten(joined, nested, out)
			continue
		}
		out[joined] = value
	}
}
