// Package targets reads the list of instance Name tags to back up.
package targets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultColumn is the header label holding the Name tag values.
const DefaultColumn = "Name"

// ErrFileAccess is returned when the targets file cannot be opened or parsed.
var ErrFileAccess = errors.New("targets file access")

// ErrColumnNotFound is returned when the name column is missing from the header or a row.
var ErrColumnNotFound = errors.New("name column not found")

// Target is a single Name tag value read from the targets file.
type Target struct {
	Name string
	Row  int // 1-indexed line in the file, header is row 1
}

// Load reads Name tag values from the CSV file at path, one per data row,
// taken from the column whose header equals column.
func Load(path, column string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileAccess, err)
	}
	defer f.Close()

	return Parse(f, column)
}

// Parse reads Name tag values from CSV data. Values are returned in file order
// without trimming, deduplication or empty-value checks.
func Parse(r io.Reader, column string) ([]Target, error) {
	if column == "" {
		column = DefaultColumn
	}

	csvReader := csv.NewReader(r)
	csvReader.FieldsPerRecord = -1 // rows are checked individually below

	header, err := csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header row", ErrFileAccess)
		}
		return nil, fmt.Errorf("%w: read header: %w", ErrFileAccess, err)
	}

	idx := columnIndex(header, column)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q not in header %v", ErrColumnNotFound, column, header)
	}

	var targets []Target
	row := 1
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("%w: read row %d: %w", ErrFileAccess, row, err)
		}
		if idx >= len(record) {
			return nil, fmt.Errorf("%w: %q missing in row %d", ErrColumnNotFound, column, row)
		}
		targets = append(targets, Target{Name: record[idx], Row: row})
	}

	return targets, nil
}

// Names returns the tag values of targets in order.
func Names(targets []Target) []string {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return names
}

// Dedupe returns targets with repeated Name values removed, keeping the first occurrence.
func Dedupe(targets []Target) []Target {
	seen := make(map[string]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out
}

func columnIndex(header []string, column string) int {
	for i, h := range header {
		// Spreadsheet exports often prefix the first header with a UTF-8 BOM.
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if h == column {
			return i
		}
	}
	return -1
}
