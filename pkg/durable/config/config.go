package config

import (
	"strconv"
	"strings"
	"time"
)

// Config is a parsed configuration tree. Keys address nested maps with
// dots, so "store.backend" reads {"store": {"backend": ...}}. Accessors
// fall back to the given default when a key is missing or malformed.
type Config struct {
	root map[string]any
}

// New wraps data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{root: data}
}

// Lookup returns the raw value at a dotted key.
func (c Config) Lookup(key string) (any, bool) {
	node := c.root
	parts := strings.Split(key, ".")
	for i, part := range parts {
		v, ok := node[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if node, ok = v.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}

func (c Config) String(key, def string) string {
	if s, ok := c.value(key).(string); ok {
		return s
	}
	return def
}

// Duration reads "90s"-style strings, or numbers as seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c.value(key).(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	}
	return def
}

// Int reads integers, whole floats (as decoded from JSON) and numeric
// strings.
func (c Config) Int(key string, def int) int {
	switch v := c.value(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	switch v := c.value(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (c Config) value(key string) any {
	v, _ := c.Lookup(key)
	return v
}
