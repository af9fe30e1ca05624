package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// decoders maps a file extension to its parser.
var decoders = map[string]func([]byte) (Config, error){
	".yaml": FromYAML,
	".yml":  FromYAML,
	".json": FromJSON,
}

// FromFile parses a .yaml, .yml or .json settings file.
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension %q", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return decode(data)
}

func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// LoadDotEnv reads KEY=VALUE pairs from .env files without touching the
// process environment. Missing files are skipped; later files win.
func LoadDotEnv(paths ...string) (map[string]string, error) {
	env := make(map[string]string)
	for _, path := range paths {
		vals, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		maps.Copy(env, vals)
	}
	return env, nil
}
