// Package bpath models file paths the way blend files store them.
//
// Stored paths are raw bytes: either relative to the directory of the file
// that stores them (marked with a leading "//") or absolute in the
// writing platform's convention, including Windows drive letters and UNC
// shares. Bytes are preserved verbatim until the filesystem boundary so
// unusual encodings survive a round trip; all derived values (resolved
// absolute paths, relative rewrites) use forward slashes.
package bpath

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Path is a file path as stored inside a blend file.
//
// A Path is never resolved on its own: resolution always needs the
// directory of the file that stores it, because "//" means "relative to
// that file", not "relative to the scene being traced".
type Path []byte

// String returns the stored bytes unmodified.
func (p Path) String() string { return string(p) }

// IsBlendRelative reports whether the path starts with the "//" marker,
// meaning it is relative to the directory of its storing file.
func (p Path) IsBlendRelative() bool {
	return len(p) >= 2 && p[0] == '/' && p[1] == '/'
}

// IsAbsolute reports whether the path is absolute in some platform's
// convention: a POSIX root, a Windows drive letter, or a UNC share.
// Blend-relative paths are not absolute.
func (p Path) IsAbsolute() bool {
	if p.IsBlendRelative() {
		return false
	}
	if len(p) >= 2 && isDriveLetter(p[0]) && p[1] == ':' {
		return true
	}
	return len(p) >= 1 && (p[0] == '/' || p[0] == '\\')
}

// ToSlash returns a copy with backslashes normalized to forward slashes.
func (p Path) ToSlash() Path {
	return Path(bytes.ReplaceAll(p, []byte{'\\'}, []byte{'/'}))
}

// Absolute joins the path onto dir, the directory of the storing file.
// Absolute inputs are returned as-is (copied). No cleaning is performed;
// use Resolve for the canonical form.
func (p Path) Absolute(dir string) Path {
	if p.IsAbsolute() {
		out := make(Path, len(p))
		copy(out, p)
		return out
	}
	rest := p
	if p.IsBlendRelative() {
		rest = p[2:]
	}
	out := make(Path, 0, len(dir)+1+len(rest))
	out = append(out, dir...)
	out = append(out, '/')
	out = append(out, rest...)
	return out
}

// Resolve produces the canonical absolute form of the path: joined onto
// dir when relative, slash-normalized, with "." and ".." collapsed.
// Equality and deduplication of assets always operate on this form.
func Resolve(p Path, dir string) string {
	return Clean(string(p.Absolute(dir).ToSlash()))
}

// Clean normalizes a slash-separated path: collapses duplicate
// separators, resolves "." and "..", and preserves Windows drive letters
// and UNC prefixes. Unlike filepath.Clean it never consults the host
// platform's separator.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")

	var prefix string
	switch {
	case len(s) >= 2 && isDriveLetter(s[0]) && s[1] == ':':
		prefix = strings.ToUpper(s[:2])
		s = s[2:]
	case strings.HasPrefix(s, "//"):
		// UNC share: keep the double slash.
		prefix = "//"
		s = strings.TrimLeft(s, "/")
	}

	rooted := strings.HasPrefix(s, "/") || prefix != ""
	parts := strings.Split(s, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if n := len(out); n > 0 && out[n-1] != ".." {
				out = out[:n-1]
				continue
			}
			if rooted {
				// Cannot go above the root.
				continue
			}
			out = append(out, part)
		default:
			out = append(out, part)
		}
	}

	joined := strings.Join(out, "/")
	switch {
	case prefix == "//":
		return prefix + joined
	case prefix != "":
		return prefix + "/" + joined
	case rooted:
		return "/" + joined
	case joined == "":
		return "."
	default:
		return joined
	}
}

// MakeAbsolute converts a filesystem path to the canonical absolute
// slash form without touching symlinks. Windows-style absolute inputs
// are handled on any host so stored drive paths stay intact; everything
// else is made absolute against the working directory.
func MakeAbsolute(s string) string {
	p := Path(s)
	if p.IsAbsolute() || p.IsBlendRelative() {
		// "//" inputs here are UNC-ish, not blend-relative: there is no
		// storing file at the filesystem boundary.
		return Clean(s)
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return Clean(s)
	}
	return Clean(filepath.ToSlash(abs))
}

// MkRelative builds the stored form of assetAbs relative to the blend
// file at blendAbs: a "//"-prefixed path with ".." segments as needed.
// Both arguments must be canonical absolute paths (see Resolve or
// MakeAbsolute). When the two live under different roots (for example
// different drives) no relative form exists and the absolute asset path
// is returned unchanged.
func MkRelative(assetAbs, blendAbs string) Path {
	assetRoot, assetParts := splitRooted(assetAbs)
	blendRoot, blendParts := splitRooted(blendAbs)
	if assetRoot != blendRoot {
		return Path(assetAbs)
	}

	// The blend file's directory, not the file itself.
	if len(blendParts) > 0 {
		blendParts = blendParts[:len(blendParts)-1]
	}

	common := 0
	for common < len(blendParts) && common < len(assetParts) && blendParts[common] == assetParts[common] {
		common++
	}

	var b strings.Builder
	b.WriteString("//")
	for range len(blendParts) - common {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(assetParts[common:], "/"))
	return Path(b.String())
}

// splitRooted splits a canonical absolute path into its root component
// ("/", "C:", or "//server") and the remaining segments.
func splitRooted(s string) (root string, parts []string) {
	switch {
	case len(s) >= 2 && isDriveLetter(s[0]) && s[1] == ':':
		root = strings.ToUpper(s[:2])
		s = strings.TrimPrefix(s[2:], "/")
	case strings.HasPrefix(s, "//"):
		rest := strings.TrimLeft(s, "/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			root = "//" + rest[:i]
			s = rest[i+1:]
		} else {
			root = "//" + rest
			s = ""
		}
	case strings.HasPrefix(s, "/"):
		root = "/"
		s = s[1:]
	}
	if s == "" {
		return root, nil
	}
	return root, strings.Split(s, "/")
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
