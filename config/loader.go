package config

// loader.go - configuration loading from the environment and files.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	ncerr "ztelnet/internal/errors"
)

// ── Environment ──────────────────────────────────────────────────────

// LoadFromEnv overlays ZTELNET_* environment variables onto cfg.  Engine
// options follow the script semantics: a variable that is set but empty
// means false / zero / empty.  Values that cannot be parsed keep the
// current setting and are reported in ignored.
func LoadFromEnv(cfg *Config) (ignored []string) {
	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv(EnvPrefix + "SCRIPT"); v != "" {
		cfg.Script = v
	}
	if v := os.Getenv(EnvPrefix + "LOG"); v != "" {
		cfg.Log = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "VERBOSE"); ok {
		if n, err := ParseInt(v); err == nil && n >= 0 {
			cfg.Verbose = n
		} else {
			ignored = append(ignored, EnvPrefix+"VERBOSE")
		}
	}
	if v := os.Getenv(EnvPrefix + "TUNNEL"); v != "" {
		cfg.Tunnel.Spec = v
	}
	if v := os.Getenv(EnvPrefix + "SSH_KEY"); v != "" {
		cfg.Tunnel.KeyPath = v
	}

	for _, name := range OptionNames {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if _, err := cfg.Options.Set(name, v); err != nil {
			ignored = append(ignored, name)
		}
	}
	return ignored
}

// ── Files ────────────────────────────────────────────────────────────

// LoadFile overlays a TOML or YAML config file onto cfg.  The format is
// chosen by extension; keys the schema does not know are an error.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return &ncerr.ConfigError{
				Field:   "config",
				Value:   path,
				Message: "unknown keys " + strings.Join(keys, ", "),
			}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return &ncerr.ConfigError{
			Field:   "config",
			Value:   path,
			Message: fmt.Sprintf("unsupported format %q", ext),
			Hint:    "use a .toml, .yaml or .yml file",
		}
	}
	return nil
}
