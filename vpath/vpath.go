// Package vpath implements path normalization and tokenization (spec
// §4.5): given a name and a caller-supplied current directory, produce an
// ordered list of path components to walk.
//
// Grounded on mit-pdos-biscuit/biscuit/src/common/path.go's Ustr helpers
// (IsAbsolute, Extend, tokenization over '/'), rewritten over plain Go
// strings per spec §9's "explicit context" rather than the teacher's
// byte-slice Ustr type.
package vpath

import "strings"

// Split normalizes name against cwd (spec §4.5: "prefixed with the
// caller's current-directory string" when relative) and tokenizes it on
// '/', eliding empty components. An empty result means the path resolves
// to the root directory.
func Split(cwd, name string) []string {
	full := name
	if !strings.HasPrefix(name, "/") {
		if cwd == "" {
			cwd = "/"
		}
		if !strings.HasSuffix(cwd, "/") {
			cwd += "/"
		}
		full = cwd + name
	}
	full += "/"

	parts := strings.Split(full, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAbsolute reports whether name begins with '/'.
func IsAbsolute(name string) bool {
	return strings.HasPrefix(name, "/")
}
