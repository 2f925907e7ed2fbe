// Package config loads the optional flowdis.toml settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the settings file looked up from the working directory.
const FileName = "flowdis.toml"

// Config holds listing and diagnostics defaults. Command line flags that
// are set explicitly take precedence.
type Config struct {
	Debug  bool   `toml:"debug" json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	Trace  bool   `toml:"trace" json:"trace" jsonschema:"title=Trace,description=Log every exploration decision"`
	Syntax string `toml:"syntax" json:"syntax" jsonschema:"title=Syntax,description=Instruction syntax,enum=intel,enum=gnu,enum=go,default=intel"`
	Color  string `toml:"color" json:"color" jsonschema:"title=Color,description=Colourise text listings,enum=auto,enum=always,enum=never,default=auto"`
	Labels bool   `toml:"labels" json:"labels" jsonschema:"title=Labels,description=Print symbol labels before function starts"`
	Format string `toml:"format" json:"format" jsonschema:"title=Format,description=Listing format,enum=text,enum=json,default=text"`

	// Path is the file the settings were read from, empty for defaults.
	Path string `toml:"-" json:"-"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		Syntax: "intel",
		Color:  "auto",
		Format: "text",
	}
}

// Load parses the settings file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// FindAndLoad walks up from startDir looking for flowdis.toml and loads
// the first one found. Without a file it returns the defaults.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate rejects values outside the documented enumerations.
func (c *Config) Validate() error {
	switch c.Syntax {
	case "intel", "gnu", "att", "go", "plan9":
	default:
		return fmt.Errorf("invalid syntax %q", c.Syntax)
	}
	switch c.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid color mode %q", c.Color)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	return nil
}
