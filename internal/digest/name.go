package digest

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName turns a request path or module identifier into the form
// used as a cache and worker key: NFC, slash separated, no leading or
// trailing slash, no "." or ".." segments.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	n = strings.Trim(n, "/")
	if n == "" {
		return "", fmt.Errorf("empty name")
	}
	if strings.ContainsAny(n, "\\\x00") {
		return "", fmt.Errorf("name %q contains an invalid character", name)
	}
	for _, seg := range strings.Split(n, "/") {
		switch seg {
		case "":
			return "", fmt.Errorf("name %q has an empty segment", name)
		case ".", "..":
			return "", fmt.Errorf("name %q has a relative segment", name)
		}
	}
	return path.Clean(n), nil
}
