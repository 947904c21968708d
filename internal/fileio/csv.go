package fileio

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decoderFor maps a detected charset to a decoder. Single-byte charsets
// chardet cannot tell apart fall back to Windows-1252.
func decoderFor(charset string) *encoding.Decoder {
	switch strings.ToLower(charset) {
	case "utf-8":
		return unicode.UTF8BOM.NewDecoder()
	case "windows-1251", "cp1251":
		return charmap.Windows1251.NewDecoder()
	case "koi8-r":
		return charmap.KOI8R.NewDecoder()
	case "iso-8859-2":
		return charmap.ISO8859_2.NewDecoder()
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
	}
	return charmap.Windows1252.NewDecoder()
}

// detectCharset trusts a BOM, then valid UTF-8, then chardet.
func detectCharset(peek []byte) string {
	switch {
	case bytes.HasPrefix(peek, []byte{0xff, 0xfe}):
		return "utf-16le"
	case bytes.HasPrefix(peek, []byte{0xfe, 0xff}):
		return "utf-16be"
	}
	if i := bytes.LastIndexByte(peek, '\n'); i > 0 {
		peek = peek[:i]
	}
	if utf8.Valid(peek) {
		return "utf-8"
	}
	if det, err := chardet.NewTextDetector().DetectBest(peek); err == nil && det != nil {
		return det.Charset
	}
	return "windows-1252"
}

// readCSV converts the input to UTF-8 and sniffs the delimiter from the
// first line.
func readCSV(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(4096)
	sr := bufio.NewReader(transform.NewReader(br, decoderFor(detectCharset(peek))))

	cr := csv.NewReader(sr)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if line, _ := sr.Peek(2048); sniffSemicolon(string(line)) {
		cr.Comma = ';'
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func sniffSemicolon(s string) bool {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Count(s, ";") > strings.Count(s, ",")
}
