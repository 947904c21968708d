package fileio

import (
	"regexp"
	"strings"
)

// ResolveColumn returns the header to read a field from. An explicit
// override wins when it names an existing header (case-insensitively);
// otherwise the first header matching rx is used. It returns "" when
// nothing fits.
func ResolveColumn(headers []string, override string, rx *regexp.Regexp) string {
	if o := strings.TrimSpace(override); o != "" {
		for _, h := range headers {
			if strings.EqualFold(h, o) {
				return h
			}
		}
	}
	if rx == nil {
		return ""
	}
	for _, h := range headers {
		if rx.MatchString(strings.ToLower(h)) {
			return h
		}
	}
	return ""
}
