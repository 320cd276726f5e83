package am

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/rogersg17/demoApp-sub002/errors"
)

const redacted = "********"

// Redacted returns a copy with secrets masked, safe for display.
func (c Config) Redacted() Config {
	out := c
	if out.Dispatch.Token != "" {
		out.Dispatch.Token = redacted
	}
	if out.Tracker.Token != "" {
		out.Tracker.Token = redacted
	}
	if len(c.Webhooks.Providers) > 0 {
		out.Webhooks.Providers = make(map[string]ProviderConfig, len(c.Webhooks.Providers))
		for name, p := range c.Webhooks.Providers {
			if p.Secret != "" {
				p.Secret = redacted
			}
			out.Webhooks.Providers[name] = p
		}
	}
	return out
}

// Marshal renders the configuration as toml, yaml or json.
func Marshal(c Config, format string) ([]byte, error) {
	switch format {
	case "toml", "":
		return toml.Marshal(c)
	case "yaml", "yml":
		return yaml.Marshal(c)
	case "json":
		return json.MarshalIndent(c, "", "  ")
	default:
		return nil, errors.Newf("unsupported format %q (use toml, yaml or json)", format)
	}
}

// WriteFile writes c as TOML to path, creating parent directories.
// An existing file is kept as path + ".back1".
func WriteFile(path string, c Config) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".back1", existing, 0o600); err != nil {
			return errors.Wrap(err, "failed to create .back1")
		}
	}

	if watcher := GetGlobalWatcher(); watcher != nil {
		watcher.MarkOwnWrite()
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}
