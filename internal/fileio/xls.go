package fileio

import (
	"bytes"
	"io"

	xls "github.com/extrame/xls"
	"github.com/rotisserie/eris"
)

// xlsCharsets are tried in order when decoding legacy workbooks.
var xlsCharsets = []string{"utf-8", "windows-1252", "windows-1251"}

// xlsProbeCols bounds the column scan: LastCol is unreliable on sheets
// saved by older estimating tools.
const xlsProbeCols = 256

func openXLS(b []byte) (*xls.WorkBook, error) {
	var lastErr error
	for _, cs := range xlsCharsets {
		wb, err := xls.OpenReader(bytes.NewReader(b), cs)
		if err == nil && wb != nil {
			return wb, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = eris.New("no workbook")
	}
	return nil, eris.Wrap(lastErr, "xls: open")
}

// xlsRow returns the cells of one row up to its last non-empty cell.
func xlsRow(row *xls.Row) []string {
	if row == nil {
		return nil
	}
	var cells []string
	last := -1
	for j := 0; j < xlsProbeCols; j++ {
		v := normalizeCell(row.Col(j))
		cells = append(cells, v)
		if v != "" {
			last = j
		}
	}
	return cells[:last+1]
}

// readXLS returns the first sheet of a BIFF workbook with every row padded
// to the widest one, so header positions line up with data cells.
func readXLS(r io.Reader) ([][]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "xls: read")
	}
	wb, err := openXLS(b)
	if err != nil {
		return nil, err
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, nil
	}

	rows := make([][]string, 0, int(sheet.MaxRow)+1)
	width := 0
	for i := 0; i <= int(sheet.MaxRow); i++ {
		cells := xlsRow(sheet.Row(i))
		width = max(width, len(cells))
		rows = append(rows, cells)
	}
	for i, cells := range rows {
		if len(cells) < width {
			rows[i] = append(cells, make([]string, width-len(cells))...)
		}
	}
	return rows, nil
}
