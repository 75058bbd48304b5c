package tabular

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/razvanmarinn/weave/internal/core"
)

// selection binds each output field to a source column index.
type selection struct {
	schema  Schema
	indexes []int
	nulls   []map[string]struct{}
}

type readOptions struct {
	subject string
	// resolve builds the output selection from the source header.
	resolve      func(header []string) (selection, error)
	dropNullRows bool
}

func readCSV(r io.Reader, opts readOptions) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &core.StructuralError{Op: "read header", Subject: opts.subject, Expected: "header row", Actual: "empty input"}
	}
	if err != nil {
		return nil, csvError(opts.subject, err)
	}
	header = trimBOM(header)

	sel, err := opts.resolve(header)
	if err != nil {
		return nil, err
	}

	t := newTable(sel.schema)
	cells := make([]cell, len(sel.schema))
	for row := 1; ; row++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(opts.subject, err)
		}

		anyNull := false
		for i, f := range sel.schema {
			raw := record[sel.indexes[i]]
			if _, ok := sel.nulls[i][raw]; ok {
				cells[i] = cell{}
				anyNull = true
				continue
			}
			c, err := convert(raw, f.Type, f.Name, row)
			if err != nil {
				return nil, err
			}
			cells[i] = c
			anyNull = anyNull || !c.valid
		}
		if anyNull && opts.dropNullRows {
			continue
		}
		for i, c := range cells {
			t.Columns[i].append(c)
		}
		t.NumRows++
	}
	return t, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := idx[name]; !ok {
			idx[name] = i
		}
	}
	return idx
}

func missingColumn(subject, column string) error {
	return &core.StructuralError{Op: "resolve columns", Subject: subject, Expected: "column " + column, Actual: "missing from header"}
}

func csvError(subject string, err error) error {
	return &core.StructuralError{Op: "parse csv", Subject: subject, Err: err}
}

func trimBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}
