// Package config loads runtime settings for durable objects.
//
// Settings come from three layers, later layers winning:
//
//  1. Defaults (DefaultSettings)
//  2. A YAML or JSON file (FromFile)
//  3. DURABLE_* environment variables, optionally seeded from .env files
//
// Example:
//
//	settings, err := config.Load("durable.yaml", ".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := durable.NewFromSettings(settings)
//
// Config is the untyped layer underneath: a map with forgiving accessors
// that return a default when a key is missing or has the wrong type.
package config
