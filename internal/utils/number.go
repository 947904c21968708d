// Package utils holds small parsing helpers shared by the ingestion code.
package utils

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	rxKeepNums  = regexp.MustCompile(`[^\d.,\-]`)
	spaceFolder = strings.NewReplacer("\u00a0", "", "\u202f", "", " ", "", "\t", "", "'", "")
)

// ParseNumber reads quantities and rates as they appear in spreadsheets:
// "1,234.50", "1.234,50", "1 234,5", "12.5 cum", "(3)". It reports false
// for blank or unparseable cells.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = spaceFolder.Replace(s)
	s = rxKeepNums.ReplaceAllString(s, "")
	s = normalizeSeparators(s)
	if s == "" || s == "-" || s == "." {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// normalizeSeparators decides which of ',' and '.' is the decimal mark.
// The last one to appear wins when both are present; a lone comma is a
// decimal mark unless it is followed by exactly three digits.
func normalizeSeparators(s string) string {
	comma := strings.LastIndexByte(s, ',')
	dot := strings.LastIndexByte(s, '.')
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-comma-1 == 3 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}
