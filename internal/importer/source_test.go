package importer

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"catalog-import-service/internal/models"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, src LineSource) []RawRow {
	t.Helper()
	var rows []RawRow
	for {
		row, err := src.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestCSVSourceStreamsRows(t *testing.T) {
	path := writeTempFile(t, "products.csv",
		"SKU *,Name,Price,Quantity\n"+
			"a1,Widget,5.00,3\n"+
			"b2,Gadget,7.50,\n")

	src, err := OpenLineSource(path, models.ImportFormatCSV)
	require.NoError(t, err)
	defer src.Close()

	assert.Nil(t, src.TotalRowEstimate(), "csv row count is unknown until EOF")

	rows := drain(t, src)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(1), rows[0].LineNumber)
	assert.Equal(t, "a1", rows[0].Values["sku"], "headers normalize case and the required marker")
	assert.Equal(t, "Widget", rows[0].Values["name"])
	assert.Equal(t, "5.00", rows[0].Values["price"])

	assert.Equal(t, int64(2), rows[1].LineNumber)
	assert.Equal(t, "", rows[1].Values["quantity"])
	assert.Greater(t, rows[1].Offset, rows[0].Offset)
}

func TestCSVSourceSkipsBlankLines(t *testing.T) {
	path := writeTempFile(t, "blank.csv",
		"sku,name,price\n"+
			"a1,Widget,5\n"+
			",,\n"+
			"b2,Gadget,6\n")

	src, err := OpenLineSource(path, models.ImportFormatCSV)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].LineNumber)
	assert.Equal(t, int64(3), rows[1].LineNumber, "blank lines still advance line numbers")
}

func TestCSVSourceRaggedRowsTolerated(t *testing.T) {
	path := writeTempFile(t, "ragged.csv",
		"sku,name,price,quantity\n"+
			"a1,Widget,5\n")

	src, err := OpenLineSource(path, models.ImportFormatCSV)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 1)
	_, hasQuantity := rows[0].Values["quantity"]
	assert.False(t, hasQuantity)
}

func TestCSVSourceMissingFile(t *testing.T) {
	_, err := OpenLineSource(filepath.Join(t.TempDir(), "nope.csv"), models.ImportFormatCSV)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestCSVSourceEmptyFile(t *testing.T) {
	path := writeTempFile(t, "empty.csv", "")
	_, err := OpenLineSource(path, models.ImportFormatCSV)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestCSVSourceDuplicateHeader(t *testing.T) {
	path := writeTempFile(t, "dup.csv", "sku,sku,name\n")
	_, err := OpenLineSource(path, models.ImportFormatCSV)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestUnsupportedFormat(t *testing.T) {
	path := writeTempFile(t, "data.txt", "sku\n")
	_, err := OpenLineSource(path, models.ImportFormat("txt"))
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func writeXLSX(t *testing.T, sheet string, rows [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "products.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXSourceStreamsRows(t *testing.T) {
	path := writeXLSX(t, "Products", [][]interface{}{
		{"sku *", "name", "price"},
		{"a1", "Widget", 5.5},
		{"b2", "Gadget", 7},
	})

	src, err := OpenLineSource(path, models.ImportFormatXLSX)
	require.NoError(t, err)
	defer src.Close()

	if estimate := src.TotalRowEstimate(); estimate != nil {
		assert.Equal(t, int64(2), *estimate)
	}

	rows := drain(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].LineNumber)
	assert.Equal(t, "a1", rows[0].Values["sku"])
	assert.Equal(t, "Widget", rows[0].Values["name"])
	assert.Equal(t, int64(2), rows[1].LineNumber)
	assert.Equal(t, "b2", rows[1].Values["sku"])
}

func TestXLSXSourceMissingFile(t *testing.T) {
	_, err := OpenLineSource(filepath.Join(t.TempDir(), "nope.xlsx"), models.ImportFormatXLSX)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestDataRowsFromDimension(t *testing.T) {
	tests := []struct {
		dim  string
		rows int64
		ok   bool
	}{
		{"A1:E101", 100, true},
		{"A1:C2", 1, true},
		{"A1", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		rows, ok := dataRowsFromDimension(tt.dim)
		assert.Equal(t, tt.ok, ok, tt.dim)
		if ok {
			assert.Equal(t, tt.rows, rows, tt.dim)
		}
	}
}
