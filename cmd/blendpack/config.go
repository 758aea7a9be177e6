package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// configFileName is looked up in the working directory when -config
// names no file.
const configFileName = "blendpack.toml"

// fileConfig holds the defaults a config file may provide. Flags that
// were set explicitly win over every field.
type fileConfig struct {
	Format   string   `toml:"format"`
	Compress bool     `toml:"compress"`
	Exclude  []string `toml:"exclude"`
}

// loadConfig reads path, or the default file when path is empty. The
// default file is optional; an explicitly named one must exist.
func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	explicit := path != ""
	if !explicit {
		path = configFileName
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// packSettings are the pack knobs that a config file may default.
type packSettings struct {
	format   string
	compress bool
	exclude  []string
}

// resolveSettings merges config file defaults under flag values. The
// set map names the flags given on the command line; only unset flags
// fall back to the file.
func resolveSettings(set map[string]bool, format string, compress bool, exclude string, file fileConfig) packSettings {
	s := packSettings{
		format:   format,
		compress: compress,
		exclude:  splitGlobs(exclude),
	}
	if !set["format"] && file.Format != "" {
		s.format = file.Format
	}
	if !set["compress"] {
		s.compress = file.Compress
	}
	if !set["exclude"] {
		s.exclude = file.Exclude
	}
	return s
}

// splitGlobs breaks a comma-separated pattern list, dropping empty
// elements.
func splitGlobs(s string) []string {
	var globs []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	return globs
}
