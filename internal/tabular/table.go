// Package tabular parses CSV payloads into typed, column-oriented tables.
package tabular

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/razvanmarinn/weave/internal/core"
)

type ColumnType int

const (
	String ColumnType = iota
	Float64
	// TimestampMillisUTC values are stored as Unix milliseconds.
	TimestampMillisUTC
)

func (t ColumnType) String() string {
	switch t {
	case String:
		return "string"
	case Float64:
		return "float64"
	case TimestampMillisUTC:
		return "timestamp[ms, UTC]"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

type Field struct {
	Name string
	Type ColumnType
}

type Schema []Field

func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Column holds the values of one field. Only the slice matching Type is
// populated; Valid is false where the cell was null.
type Column struct {
	Field
	Strings []string
	Floats  []float64
	Millis  []int64
	Valid   []bool
}

func (c *Column) Len() int { return len(c.Valid) }

func (c *Column) IsNull(i int) bool { return !c.Valid[i] }

func (c *Column) Time(i int) time.Time { return time.UnixMilli(c.Millis[i]).UTC() }

func (c *Column) append(v cell) {
	switch c.Type {
	case String:
		c.Strings = append(c.Strings, v.s)
	case Float64:
		c.Floats = append(c.Floats, v.f)
	case TimestampMillisUTC:
		c.Millis = append(c.Millis, v.ms)
	}
	c.Valid = append(c.Valid, v.valid)
}

type Table struct {
	Schema  Schema
	Columns []*Column
	NumRows int
}

func newTable(schema Schema) *Table {
	t := &Table{Schema: schema, Columns: make([]*Column, len(schema))}
	for i, f := range schema {
		t.Columns[i] = &Column{Field: f}
	}
	return t
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type cell struct {
	s     string
	f     float64
	ms    int64
	valid bool
}

// convert parses raw per typ. Empty numeric and timestamp cells are null;
// strings are kept verbatim.
func convert(raw string, typ ColumnType, column string, row int) (cell, error) {
	switch typ {
	case String:
		return cell{s: raw, valid: true}, nil
	case Float64:
		v := strings.TrimSpace(raw)
		if v == "" {
			return cell{}, nil
		}
		if !decimal(v) {
			return cell{}, mismatch(column, typ, raw, row)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cell{}, mismatch(column, typ, raw, row)
		}
		return cell{f: f, valid: true}, nil
	case TimestampMillisUTC:
		v := strings.TrimSpace(raw)
		if v == "" {
			return cell{}, nil
		}
		ts, err := core.ParseTimestampUTC(v)
		if err != nil {
			return cell{}, mismatch(column, typ, raw, row)
		}
		return cell{ms: ts.UnixMilli(), valid: true}, nil
	default:
		return cell{}, fmt.Errorf("unsupported column type %s", typ)
	}
}

// decimal reports whether v uses only plain decimal float syntax. It rules
// out the hex, underscore and Inf/NaN spellings strconv accepts.
func decimal(v string) bool {
	digits := false
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c >= '0' && c <= '9':
			digits = true
		case c == '.', c == 'e', c == 'E', c == '+', c == '-':
		default:
			return false
		}
	}
	return digits
}

func mismatch(column string, typ ColumnType, raw string, row int) error {
	return &core.StructuralError{
		Op:       "convert value",
		Subject:  column,
		Expected: typ.String(),
		Actual:   fmt.Sprintf("%q at row %d", raw, row),
	}
}
