package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"reviewml.com/sentiment/utils"
)

// Row is a single labeled review. Text fields and raw numeric fields are
// pointers so that missing or unparseable cells stay distinguishable from
// zero values until imputation.
type Row struct {
	ReviewText *string
	Summary    *string
	Verified   bool
	Time       *float64
	LogVotes   *float64
	IsPositive int
}

// Columns maps the logical fields onto header names in the source file.
type Columns struct {
	ReviewText string
	Summary    string
	Verified   string
	Time       string
	LogVotes   string
	Label      string
}

func DefaultColumns() Columns {
	return Columns{
		ReviewText: "reviewText",
		Summary:    "summary",
		Verified:   "verified",
		Time:       "time",
		LogVotes:   "log_votes",
		Label:      "isPositive",
	}
}

type Dataset struct {
	Rows        []Row
	Path        string
	Fingerprint uint64
}

func (d *Dataset) Len() int {
	return len(d.Rows)
}

// Clone returns a deep copy. Pointer fields are re-allocated so mutating
// the copy never touches the original.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Rows:        make([]Row, len(d.Rows)),
		Path:        d.Path,
		Fingerprint: d.Fingerprint,
	}
	for i, r := range d.Rows {
		out.Rows[i] = cloneRow(r)
	}
	return out
}

func cloneRow(r Row) Row {
	c := Row{Verified: r.Verified, IsPositive: r.IsPositive}
	if r.ReviewText != nil {
		v := *r.ReviewText
		c.ReviewText = &v
	}
	if r.Summary != nil {
		v := *r.Summary
		c.Summary = &v
	}
	if r.Time != nil {
		v := *r.Time
		c.Time = &v
	}
	if r.LogVotes != nil {
		v := *r.LogVotes
		c.LogVotes = &v
	}
	return c
}

// InvertLabels swaps the two label classes in place. The workflow calls it
// exactly once per run, right after loading; applying it twice restores the
// original labels.
func (d *Dataset) InvertLabels() {
	for i := range d.Rows {
		d.Rows[i].IsPositive = 1 - d.Rows[i].IsPositive
	}
}

func (d *Dataset) LabelCounts() (neg, pos int) {
	for i := range d.Rows {
		if d.Rows[i].IsPositive == 1 {
			pos++
		} else {
			neg++
		}
	}
	return neg, pos
}

// Stats describes the loaded frame: shape, per-column null counts and the
// label balance.
type Stats struct {
	Rows           int
	NullReviewText int
	NullSummary    int
	NullTime       int
	NullLogVotes   int
	Negative       int
	Positive       int
}

func (d *Dataset) Stats() Stats {
	s := Stats{Rows: len(d.Rows)}
	for i := range d.Rows {
		r := &d.Rows[i]
		if r.ReviewText == nil {
			s.NullReviewText++
		}
		if r.Summary == nil {
			s.NullSummary++
		}
		if r.Time == nil {
			s.NullTime++
		}
		if r.LogVotes == nil {
			s.NullLogVotes++
		}
		if r.IsPositive == 1 {
			s.Positive++
		} else {
			s.Negative++
		}
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("shape=(%d, 6) nulls(reviewText=%d summary=%d time=%d log_votes=%d) labels(0=%d 1=%d)",
		s.Rows, s.NullReviewText, s.NullSummary, s.NullTime, s.NullLogVotes, s.Negative, s.Positive)
}

// Load reads a labeled review CSV with the default header names.
func Load(path string) (*Dataset, error) {
	return LoadColumns(path, DefaultColumns())
}

// LoadColumns reads a labeled review CSV. The header row may order the six
// columns arbitrarily; extra columns are ignored. Empty text cells load as
// nil, unparseable numeric cells load as nil, a bad label cell is an error.
func LoadColumns(path string, cols Columns) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset header: %w", err)
	}

	idx, err := columnIndex(header, cols)
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		Path:        path,
		Fingerprint: utils.HashBytes(raw),
	}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset row %d: %w", line+1, err)
		}
		line++

		row := Row{
			ReviewText: textCell(record[idx.reviewText]),
			Summary:    textCell(record[idx.summary]),
			Verified:   boolCell(record[idx.verified]),
			Time:       numericCell(record[idx.time]),
			LogVotes:   numericCell(record[idx.logVotes]),
		}
		row.IsPositive, err = labelCell(record[idx.label])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		d.Rows = append(d.Rows, row)
	}

	return d, nil
}

type fieldIndex struct {
	reviewText int
	summary    int
	verified   int
	time       int
	logVotes   int
	label      int
}

func columnIndex(header []string, cols Columns) (fieldIndex, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.TrimSpace(name)] = i
	}

	idx := fieldIndex{}
	for _, col := range []struct {
		name string
		dst  *int
	}{
		{cols.ReviewText, &idx.reviewText},
		{cols.Summary, &idx.summary},
		{cols.Verified, &idx.verified},
		{cols.Time, &idx.time},
		{cols.LogVotes, &idx.logVotes},
		{cols.Label, &idx.label},
	} {
		pos, ok := positions[col.name]
		if !ok {
			return idx, fmt.Errorf("dataset header misses column %q", col.name)
		}
		*col.dst = pos
	}
	return idx, nil
}

func textCell(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func boolCell(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return b
}

func numericCell(v string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil
	}
	return &f
}

func labelCell(v string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse label %q: %w", v, err)
	}
	switch f {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	}
	return 0, fmt.Errorf("label %q is not binary", v)
}
