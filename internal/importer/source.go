package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"catalog-import-service/internal/models"
)

var (
	// ErrSourceUnavailable indicates the upload could not be opened at all.
	ErrSourceUnavailable = errors.New("import source unavailable")
	// ErrMalformedInput indicates the file opened but its structure is not
	// a usable tabular source (missing header, unreadable sheet).
	ErrMalformedInput = errors.New("malformed import file")
)

// RawRow is one data row pulled from the source file. Values are keyed by
// normalized header name; Raw preserves the original content for the
// rejection log.
type RawRow struct {
	LineNumber int64
	Offset     int64
	Values     map[string]string
	Raw        string
}

// LineSource streams rows from an uploaded file one at a time so arbitrarily
// large uploads never load fully into memory.
type LineSource interface {
	// Next returns the next data row, or io.EOF once the file is exhausted.
	Next() (RawRow, error)
	// TotalRowEstimate returns the number of data rows if it is knowable
	// up front, nil otherwise.
	TotalRowEstimate() *int64
	Close() error
}

// OpenLineSource opens path as a streaming row source for the given format.
func OpenLineSource(path string, format models.ImportFormat) (LineSource, error) {
	switch format {
	case models.ImportFormatCSV:
		return openCSVSource(path)
	case models.ImportFormatXLSX:
		return openXLSXSource(path)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformedInput, format)
	}
}

// normalizeHeader lowercases a column header and strips the required-field
// marker used by the downloadable templates ("SKU *" -> "sku").
func normalizeHeader(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimSuffix(h, "*")
	h = strings.TrimSpace(h)
	return strings.ToLower(h)
}

func headerIndex(headers []string) (map[int]string, error) {
	byIndex := make(map[int]string, len(headers))
	seen := make(map[string]bool, len(headers))
	for i, h := range headers {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformedInput, name)
		}
		seen[name] = true
		byIndex[i] = name
	}
	if len(byIndex) == 0 {
		return nil, fmt.Errorf("%w: no usable header row", ErrMalformedInput)
	}
	return byIndex, nil
}

type csvSource struct {
	file    *os.File
	reader  *csv.Reader
	columns map[int]string
	line    int64
}

func openCSVSource(path string) (*csvSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		file.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty file", ErrMalformedInput)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	columns, err := headerIndex(header)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &csvSource{file: file, reader: reader, columns: columns}, nil
}

func (s *csvSource) Next() (RawRow, error) {
	for {
		offset := s.reader.InputOffset()
		record, err := s.reader.Read()
		if err == io.EOF {
			return RawRow{}, io.EOF
		}
		if err != nil {
			return RawRow{}, fmt.Errorf("%w: line %d: %v", ErrMalformedInput, s.line+1, err)
		}

		s.line++
		if isBlankRecord(record) {
			continue
		}

		values := make(map[string]string, len(s.columns))
		for i, name := range s.columns {
			if i < len(record) {
				values[name] = strings.TrimSpace(record[i])
			}
		}
		return RawRow{
			LineNumber: s.line,
			Offset:     offset,
			Values:     values,
			Raw:        strings.Join(record, ","),
		}, nil
	}
}

func (s *csvSource) TotalRowEstimate() *int64 {
	// Row count for a streamed CSV is unknown until EOF.
	return nil
}

func (s *csvSource) Close() error {
	return s.file.Close()
}

type xlsxSource struct {
	file     *excelize.File
	rows     *excelize.Rows
	columns  map[int]string
	line     int64
	estimate *int64
}

func openXLSXSource(path string) (*xlsxSource, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		file.Close()
		return nil, fmt.Errorf("%w: no sheets", ErrMalformedInput)
	}
	sheet := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, "Products") {
			sheet = name
			break
		}
	}

	rows, err := file.Rows(sheet)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if !rows.Next() {
		rows.Close()
		file.Close()
		return nil, fmt.Errorf("%w: empty sheet", ErrMalformedInput)
	}
	header, err := rows.Columns()
	if err != nil {
		rows.Close()
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	columns, err := headerIndex(header)
	if err != nil {
		rows.Close()
		file.Close()
		return nil, err
	}

	src := &xlsxSource{file: file, rows: rows, columns: columns}
	if dim, err := file.GetSheetDimension(sheet); err == nil {
		if n, ok := dataRowsFromDimension(dim); ok {
			src.estimate = &n
		}
	}
	return src, nil
}

// dataRowsFromDimension derives a row estimate from a sheet dimension ref
// like "A1:E101" (100 data rows after the header).
func dataRowsFromDimension(dim string) (int64, bool) {
	parts := strings.Split(dim, ":")
	if len(parts) != 2 {
		return 0, false
	}
	last := parts[1]
	i := len(last)
	for i > 0 && last[i-1] >= '0' && last[i-1] <= '9' {
		i--
	}
	rows, err := strconv.ParseInt(last[i:], 10, 64)
	if err != nil || rows < 1 {
		return 0, false
	}
	return rows - 1, true
}

func (s *xlsxSource) Next() (RawRow, error) {
	for s.rows.Next() {
		record, err := s.rows.Columns()
		if err != nil {
			return RawRow{}, fmt.Errorf("%w: row %d: %v", ErrMalformedInput, s.line+1, err)
		}

		s.line++
		if isBlankRecord(record) {
			continue
		}

		values := make(map[string]string, len(s.columns))
		for i, name := range s.columns {
			if i < len(record) {
				values[name] = strings.TrimSpace(record[i])
			}
		}
		return RawRow{
			LineNumber: s.line,
			Values:     values,
			Raw:        strings.Join(record, ","),
		}, nil
	}
	if err := s.rows.Error(); err != nil {
		return RawRow{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return RawRow{}, io.EOF
}

func (s *xlsxSource) TotalRowEstimate() *int64 {
	return s.estimate
}

func (s *xlsxSource) Close() error {
	s.rows.Close()
	return s.file.Close()
}

func isBlankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
