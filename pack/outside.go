package pack

import (
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/text/unicode/norm"

	"github.com/blendpack/blendpack/trace"
)

// outsideDir is the directory under the target that holds assets living
// outside the project root.
const outsideDir = "_outside"

// keyLen is the length of the stable key naming one outside directory.
const keyLen = 12

// nfc normalizes a path string to Unicode NFC so packs built on
// different platforms agree on destination names.
func nfc(s string) string {
	return norm.NFC.String(s)
}

// outsideKey derives the stable key for an asset outside the project:
// a short digest of the asset's normalized parent directory. Assets
// from one directory stay together, and directories on different
// drives or shares can never collide with each other.
func outsideKey(abs string) string {
	parent := nfc(path.Dir(abs))
	return digest.FromString(parent).Encoded()[:keyLen]
}

// outsideRel returns the pack-relative destination for an asset outside
// the project root.
func outsideRel(abs string) string {
	return path.Join(outsideDir, outsideKey(abs), nfc(path.Base(abs)))
}

// disambiguate makes a destination unique when normalization folded two
// distinct sources onto the same name. The suffix depends only on the
// source path, keeping repeated plans identical.
func disambiguate(dest, source string) string {
	ext := path.Ext(dest)
	stem := strings.TrimSuffix(dest, ext)
	return stem + "-" + digest.FromString(source).Encoded()[:8] + ext
}

// udimKey caches tile scans per directory and glob pattern.
type udimKey struct {
	dir     string
	pattern string
}

// udimTemplate splits a file name on its UDIM tile number: the last
// lone run of exactly four digits valued 1001 or higher. Returns the
// name with the number replaced by "*", the tile number, and whether
// the name carries one at all.
func udimTemplate(name string) (string, int, bool) {
	start, end := -1, -1
	for i := 0; i < len(name); {
		if name[i] < '0' || name[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(name) && name[j] >= '0' && name[j] <= '9' {
			j++
		}
		if j-i == 4 {
			start, end = i, j
		}
		i = j
	}
	if start < 0 {
		return "", 0, false
	}
	tile, err := strconv.Atoi(name[start:end])
	if err != nil || tile < 1001 {
		return "", 0, false
	}
	return name[:start] + "*" + name[end:], tile, true
}

// udimTiles finds the on-disk tile files belonging to asset. The asset
// may be a "<UDIM>" placeholder, which rarely exists as a literal file,
// or one concrete tile whose siblings should travel with it. Results
// are cached per directory and pattern.
func (p *Packer) udimTiles(asset string) []string {
	name := path.Base(asset)

	if strings.Contains(name, trace.UDIMMarker) {
		key := udimKey{dir: path.Dir(asset), pattern: name}
		if tiles, ok := p.udimCache[key]; ok {
			return tiles
		}
		files, err := trace.Expand(asset)
		if err != nil {
			files = nil
		}
		tiles := regularFiles(files)
		p.udimCache[key] = tiles
		return tiles
	}

	template, _, ok := udimTemplate(name)
	if !ok {
		return nil
	}
	key := udimKey{dir: path.Dir(asset), pattern: template}
	if tiles, ok := p.udimCache[key]; ok {
		return tiles
	}

	matches, err := filepath.Glob(filepath.Join(filepath.FromSlash(path.Dir(asset)), template))
	if err != nil {
		matches = nil
	}
	var tiles []string
	for _, m := range regularFiles(matches) {
		candTemplate, _, ok := udimTemplate(path.Base(m))
		if !ok || candTemplate != template {
			continue
		}
		tiles = append(tiles, m)
	}
	slices.Sort(tiles)

	// A single numbered file is just a file. Only a multi-file set is
	// treated as a tileset.
	if len(tiles) < 2 {
		tiles = nil
	}
	p.udimCache[key] = tiles
	return tiles
}

// regularFiles filters paths down to existing regular files, in slash
// form.
func regularFiles(paths []string) []string {
	var out []string
	for _, f := range paths {
		info, err := os.Stat(filepath.FromSlash(f))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, filepath.ToSlash(f))
	}
	return out
}
