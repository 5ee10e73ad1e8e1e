package metadata

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strconv"
)

// sampleSeed fixes the sampling RNG so repeated extractions of the same
// file produce the same sample.
const sampleSeed = 42

// defaultSampleSize bounds the number of rows kept in a derived sample.
const defaultSampleSize = 50

// ColumnStats summarizes one column of a tabular file. Numeric aggregates
// are only set when every non-empty cell parses as a number.
type ColumnStats struct {
	Name          string   `json:"name"`
	Count         int      `json:"count"`
	Missing       int      `json:"missing"`
	DistinctCount int      `json:"distinct_count"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Mean          *float64 `json:"mean,omitempty"`
}

// Profile is the per-column summary of a tabular file.
type Profile struct {
	RowCount int           `json:"row_count"`
	Columns  []ColumnStats `json:"columns"`
}

// readTable parses a CSV stream into a header and its data rows.
func readTable(r io.Reader) ([]string, [][]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, fmt.Errorf("file is empty")
		}
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, record)
	}

	return header, rows, nil
}

// sampleRows draws up to max rows using seeded reservoir sampling, then
// converts each to a column->value map. The fixed seed keeps the sample
// reproducible across re-extractions.
func sampleRows(header []string, rows [][]string, max int) []map[string]string {
	rng := rand.New(rand.NewSource(sampleSeed))

	reservoir := make([][]string, 0, max)
	for i, row := range rows {
		if i < max {
			reservoir = append(reservoir, row)
			continue
		}
		if j := rng.Intn(i + 1); j < max {
			reservoir[j] = row
		}
	}

	sample := make([]map[string]string, 0, len(reservoir))
	for _, row := range reservoir {
		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		sample = append(sample, record)
	}
	return sample
}

// profileColumns computes per-column summary statistics.
func profileColumns(header []string, rows [][]string) Profile {
	profile := Profile{RowCount: len(rows), Columns: make([]ColumnStats, 0, len(header))}

	for i, col := range header {
		stats := ColumnStats{Name: col}
		distinct := make(map[string]struct{})

		numeric := true
		var sum float64
		var minV, maxV float64

		for _, row := range rows {
			if i >= len(row) || row[i] == "" {
				stats.Missing++
				continue
			}
			value := row[i]
			stats.Count++
			distinct[value] = struct{}{}

			if numeric {
				v, err := strconv.ParseFloat(value, 64)
				if err != nil {
					numeric = false
					continue
				}
				if stats.Count == 1 || v < minV {
					minV = v
				}
				if stats.Count == 1 || v > maxV {
					maxV = v
				}
				sum += v
			}
		}

		stats.DistinctCount = len(distinct)
		if numeric && stats.Count > 0 {
			mean := sum / float64(stats.Count)
			stats.Min, stats.Max, stats.Mean = &minV, &maxV, &mean
		}

		profile.Columns = append(profile.Columns, stats)
	}

	return profile
}
