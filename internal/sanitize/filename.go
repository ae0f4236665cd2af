// Package sanitize is the trust boundary between client-supplied names and
// the filesystem.
package sanitize

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFilenameBytes is the longest name most filesystems accept.
	MaxFilenameBytes = 255

	// FallbackFilename replaces names that sanitize to nothing.
	FallbackFilename = "unnamed_file"

	// Extensions longer than this are treated as part of the base name.
	maxExtBytes = 32
)

// Filename turns an untrusted client filename into a single safe path
// component. The result is never empty, never longer than MaxFilenameBytes,
// and contains no separators, control characters or <>:"|?* characters.
func Filename(name string) string {
	name = strings.ToValidUTF8(name, "_")

	// Directory components, using either separator.
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*', '\\', '/':
			return '_'
		}
		return r
	}, name)

	name = strings.TrimSpace(name)
	if strings.Trim(name, "_. \t") == "" {
		return FallbackFilename
	}

	return truncate(name, MaxFilenameBytes)
}

// truncate shortens name to at most limit bytes, keeping the extension and
// never splitting a multi-byte rune.
func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) > maxExtBytes || len(ext) == len(name) {
		ext = ""
	}
	base := name[:len(name)-len(ext)]
	base = cutRunes(base, limit-len(ext))

	return base + ext
}

func cutRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// SplitExt returns the sanitized base name and its extension. The extension
// is lower-cased and dropped if it is implausibly long.
func SplitExt(name string) (base, ext string) {
	safe := Filename(name)
	ext = filepath.Ext(safe)
	if len(ext) > maxExtBytes || ext == safe {
		return safe, ""
	}
	return strings.TrimSuffix(safe, ext), strings.ToLower(ext)
}
