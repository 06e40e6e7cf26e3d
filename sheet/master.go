/*
Package sheet is the spreadsheet boundary of the engine.

It reads master exports (xlsx or delimited text), writes and reads
reviewer worksheets and writes the rollup artifact. All spreadsheet work
goes through excelize; the review package only ever sees strings.

WORKSHEET FILE:
  _meta     hidden key/value sheet identifying cycle, worksheet and reviewer
  review    protected sheet with the partitioned rows and two unlocked
            columns, verdict (drop-down list) and justification
  sign_off  "Reviewed by" and "Date" cells filled in by the reviewer

ROLLUP FILE:
  rollup    one row per entitlement, fixed columns
  journal   every journaled event of the cycle
  summary   counts, rates and worksheet failures
*/
package sheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/warp/access-review/review"
)

var zipMagic = []byte("PK\x03\x04")

// ReadTable reads the first sheet of an xlsx file, or a delimited text
// file, into a header row plus records. The format is detected from the
// content, not the file name.
func ReadTable(path string) (review.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return review.Table{}, fmt.Errorf("read master export: %w", err)
	}
	return ParseTable(path, data)
}

// ParseTable is ReadTable over bytes already in memory.
func ParseTable(source string, data []byte) (review.Table, error) {
	var (
		rows [][]string
		err  error
	)
	if bytes.HasPrefix(data, zipMagic) {
		rows, err = xlsxRows(data)
	} else {
		rows, err = delimitedRows(data)
	}
	if err != nil {
		return review.Table{}, review.NewError(review.ErrMalformedRow, source, "%v", err)
	}
	if len(rows) == 0 {
		return review.Table{}, review.NewError(review.ErrMalformedRow, source, "export is empty")
	}
	return review.Table{Source: source, Header: rows[0], Records: rows[1:]}, nil
}

// LoadMaster reads and validates a master export against the roster.
func LoadMaster(path string, roster *review.Roster) (*review.EntitlementSet, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	return review.NewEntitlementSet(t, roster)
}

func xlsxRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	// Raw values keep date serials and numbers free of display formats.
	return f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
}

func delimitedRows(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
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

// sniffDelimiter picks the most frequent of , ; and tab in the header line.
func sniffDelimiter(data []byte) rune {
	line, _ := bufio.NewReader(bytes.NewReader(data)).ReadString('\n')
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t'} {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
