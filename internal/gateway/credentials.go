package gateway

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`(?i)(^your_|placeholder|changeme|_here$|xxxx)`)

// IsPlaceholder reports whether a credential is missing or is one of the
// sample values shipped in example configuration.
func IsPlaceholder(credential string) bool {
	c := strings.TrimSpace(credential)
	return c == "" || placeholderPattern.MatchString(c)
}
