// Package fileio reads uploaded spreadsheets (csv, xls, xlsx) into
// header-keyed records.
package fileio

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsupported is returned for a file extension no reader handles.
var ErrUnsupported = eris.New("unsupported file type")

// Record is one non-empty data row.
type Record struct {
	Row    int // 1-based position in the sheet
	Values map[string]string
}

// Get returns the trimmed value under header h.
func (r Record) Get(h string) string { return strings.TrimSpace(r.Values[h]) }

// Table is the first sheet of a workbook, keyed by its header row.
type Table struct {
	Headers []string
	Records []Record
}

// ReadAnyMaps picks a reader by extension. headerRow is 1-based; rows above
// it are ignored.
func ReadAnyMaps(r io.Reader, filename string, headerRow int) (Table, error) {
	if headerRow <= 0 {
		headerRow = 1
	}
	var (
		rows [][]string
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".xlsx":
		rows, err = readXLSX(r)
	case ".xls":
		rows, err = readXLS(r)
	case ".csv":
		rows, err = readCSV(r)
	default:
		return Table{}, eris.Wrapf(ErrUnsupported, "fileio: %q", filename)
	}
	if err != nil {
		return Table{}, eris.Wrapf(err, "fileio: read %s", filename)
	}
	if len(rows) == 0 {
		return Table{}, nil
	}
	h := pickHeader(rows, headerRow)
	return Table{Headers: h, Records: rowsToRecords(rows, h, headerRow)}, nil
}

// pickHeader takes the header row and names blank cells "Column N".
// Duplicate names get a numeric suffix so no column is shadowed.
func pickHeader(rows [][]string, headerRow int) []string {
	idx := headerRow - 1
	if idx >= len(rows) {
		idx = 0
	}
	h := rows[idx]
	out := make([]string, len(h))
	seen := make(map[string]int, len(h))
	for i, v := range h {
		v = strings.TrimSpace(v)
		if v == "" {
			v = fmt.Sprintf("Column %d", i+1)
		}
		if n := seen[v]; n > 0 {
			seen[v] = n + 1
			v = fmt.Sprintf("%s (%d)", v, n+1)
		} else {
			seen[v] = 1
		}
		out[i] = v
	}
	return out
}

// rowsToRecords converts rows below the header into records, skipping rows
// that are entirely blank.
func rowsToRecords(rows [][]string, headers []string, headerRow int) []Record {
	var out []Record
	for r := headerRow; r < len(rows); r++ {
		rec := rows[r]
		m := make(map[string]string, len(headers))
		empty := true
		for c := range headers {
			var v string
			if c < len(rec) {
				v = normalizeCell(rec[c])
			}
			if v != "" {
				empty = false
			}
			m[headers[c]] = v
		}
		if !empty {
			out = append(out, Record{Row: r + 1, Values: m})
		}
	}
	return out
}

var cellReplacer = strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\r", "")

// normalizeCell trims a cell and folds non-breaking spaces.
func normalizeCell(v string) string {
	return strings.TrimSpace(cellReplacer.Replace(v))
}
