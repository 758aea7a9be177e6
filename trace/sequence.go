package trace

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// UDIMMarker is the placeholder Blender stores in tiled image names in
// place of the tile number.
const UDIMMarker = "<UDIM>"

// Expand lists the concrete files behind a sequence path. The stored
// form decides the strategy:
//
//   - a name containing "<UDIM>" globs with the marker as a wildcard
//   - a path containing glob metacharacters globs as written
//   - a directory lists its files recursively
//   - a name with a trailing frame counter is a first frame: the
//     digits are stripped and siblings matching "stem*suffix" listed
//   - a name without a counter is returned by itself
//
// Results are sorted canonical absolute paths. When nothing matches,
// the error wraps fs.ErrNotExist.
func Expand(pattern string) ([]string, error) {
	name := path.Base(pattern)
	sys := filepath.FromSlash(pattern)

	if strings.Contains(name, UDIMMarker) {
		return expandGlob(strings.Replace(sys, UDIMMarker, "*", 1), pattern)
	}
	if strings.ContainsAny(sys, "*?[") {
		return expandGlob(sys, pattern)
	}

	st, err := os.Stat(sys)
	if err != nil {
		return nil, fmt.Errorf("trace: sequence %s: %w", pattern, fs.ErrNotExist)
	}
	if st.IsDir() {
		return expandDir(sys, pattern)
	}

	ext := path.Ext(name)
	stem := name[:len(name)-len(ext)]
	trimmed := strings.TrimRight(stem, "0123456789")
	if trimmed == stem {
		// No frame counter in the name, so this is a single file.
		return []string{filepath.ToSlash(sys)}, nil
	}
	// Match siblings sharing the stem and suffix. This can catch more
	// files than the scene actually plays, but it never misses frames.
	glob := filepath.Join(filepath.Dir(sys), trimmed+"*"+ext)
	return expandGlob(glob, pattern)
}

func expandGlob(glob, pattern string) ([]string, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("trace: sequence %s: bad pattern: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("trace: sequence %s matches nothing: %w", pattern, fs.ErrNotExist)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.ToSlash(m))
	}
	sort.Strings(out)
	return out, nil
}

func expandDir(dir, pattern string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, filepath.ToSlash(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trace: sequence directory %s: %w", pattern, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("trace: sequence directory %s is empty: %w", pattern, fs.ErrNotExist)
	}
	sort.Strings(out)
	return out, nil
}
