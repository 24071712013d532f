package filename

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// unsafeChars matches anything outside word characters, '-', '_', '.', ':',
// '\' and space.
var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\-.:\\ ]`)

// Sanitize replaces characters that are unsafe in a filesystem path with '_'.
// When the result looks like an absolute path, colons are kept only in the
// first segment (a drive letter prefix).
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if !isAbs(s) {
		return s
	}

	segments := strings.Split(s, `\`)
	for i := 1; i < len(segments); i++ {
		segments[i] = strings.ReplaceAll(segments[i], ":", "_")
	}
	return strings.Join(segments, `\`)
}

// isAbs reports whether s is a Windows style absolute path such as `C:\x`.
// Forward slashes never survive sanitization, so POSIX paths cannot occur.
func isAbs(s string) bool {
	if len(s) >= 3 && s[1] == ':' && s[2] == '\\' {
		c := s[0]
		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}
	return strings.HasPrefix(s, `\\`)
}

// Increment returns path unchanged if nothing exists there. Otherwise it
// appends _1, _2, ... before the extension until an unused path is found.
func Increment(path string) string {
	if !exists(path) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
