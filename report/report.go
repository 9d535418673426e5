// Package report sanity-checks downloaded commission spreadsheets before upload.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatXLSX    Format = "xlsx"
	FormatXLS     Format = "xls"
	FormatHTML    Format = "html"
	FormatUnknown Format = "unknown"
)

var ErrEmpty = errors.New("report file is empty")

type Sheet struct {
	Name    string
	Rows    int
	Columns int
}

// Summary describes what a portal actually delivered.
type Summary struct {
	Format  Format
	Size    int64
	Sheets  []Sheet
	Headers []string
}

// DataRows counts rows below the header across all sheets.
func (s *Summary) DataRows() int {
	n := 0
	for _, sh := range s.Sheets {
		if sh.Rows > 1 {
			n += sh.Rows - 1
		}
	}
	return n
}

func (s *Summary) String() string {
	var names []string
	for _, sh := range s.Sheets {
		names = append(names, fmt.Sprintf("%s(%dx%d)", sh.Name, sh.Rows, sh.Columns))
	}
	return fmt.Sprintf("%s %d bytes sheets=[%s]", s.Format, s.Size, strings.Join(names, " "))
}

// Sniff classifies a file by its leading bytes.
func Sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return FormatXLSX
	case bytes.HasPrefix(head, []byte{0xD0, 0xCF, 0x11, 0xE0}):
		return FormatXLS
	}
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(head, []byte("\xEF\xBB\xBF")))
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return FormatHTML
	}
	return FormatUnknown
}

// Inspect reads sheet and row counts. Only xlsx files are opened; other formats return a
// Summary with the detected format and no sheets.
func Inspect(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	sum := &Summary{Format: Sniff(head[:n]), Size: st.Size()}
	if sum.Size == 0 {
		return sum, ErrEmpty
	}
	if sum.Format != FormatXLSX {
		return sum, nil
	}

	wb, err := excelize.OpenFile(path)
	if err != nil {
		return sum, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = wb.Close() }()

	for i, name := range wb.GetSheetList() {
		rows, err := wb.GetRows(name)
		if err != nil {
			return sum, fmt.Errorf("read sheet %s: %w", name, err)
		}
		sheet := Sheet{Name: name, Rows: len(rows)}
		for _, r := range rows {
			if len(r) > sheet.Columns {
				sheet.Columns = len(r)
			}
		}
		if i == 0 && len(rows) > 0 {
			for _, h := range rows[0] {
				sum.Headers = append(sum.Headers, strings.TrimSpace(h))
			}
		}
		sum.Sheets = append(sum.Sheets, sheet)
	}
	return sum, nil
}
