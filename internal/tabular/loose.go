package tabular

import (
	"fmt"
	"io"
	"regexp"

	"github.com/klauspost/pgzip"

	"github.com/razvanmarinn/weave/internal/archive"
	"github.com/razvanmarinn/weave/internal/core"
)

// LooseOptions control ReadLoose. The zero value reads plain CSV with every
// column typed as String.
type LooseOptions struct {
	// Subject names the input in errors.
	Subject string
	Gzip    bool
	// Columns restricts and orders the retained columns. Empty keeps all, in
	// header order.
	Columns   []string
	Overrides map[string]ColumnType
	// NullValues lists per-column raw values read as null.
	NullValues map[string][]string
	// DropNullRows drops every row with at least one null cell.
	DropNullRows bool
}

// ReadLoose parses a reference table. Strings are kept verbatim, so
// identifiers such as "00123" keep their leading zeros.
func ReadLoose(r io.Reader, opts LooseOptions) (*Table, error) {
	subject := opts.Subject
	if subject == "" {
		subject = "reference csv"
	}
	if opts.Gzip {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, &core.StructuralError{Op: "open gzip", Subject: subject, Expected: "gzip stream", Err: err}
		}
		defer zr.Close()
		r = zr
	}

	t, err := readCSV(r, readOptions{
		subject:      subject,
		dropNullRows: opts.DropNullRows,
		resolve: func(header []string) (selection, error) {
			names := opts.Columns
			if len(names) == 0 {
				names = header
			}
			idx := headerIndex(header)
			sel := selection{
				schema:  make(Schema, len(names)),
				indexes: make([]int, len(names)),
				nulls:   make([]map[string]struct{}, len(names)),
			}
			for i, name := range names {
				j, ok := idx[name]
				if !ok {
					return selection{}, missingColumn(subject, name)
				}
				sel.schema[i] = Field{Name: name, Type: opts.Overrides[name]}
				sel.indexes[i] = j
				if vals := opts.NullValues[name]; len(vals) > 0 {
					sel.nulls[i] = make(map[string]struct{}, len(vals))
					for _, v := range vals {
						sel.nulls[i][v] = struct{}{}
					}
				}
			}
			return sel, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", subject, err)
	}
	return t, nil
}

// ReadPostcodeMapping reads the gzip LV feeder to postcode lookup with every
// column as a string.
func ReadPostcodeMapping(r io.Reader) (*Table, error) {
	return ReadLoose(r, LooseOptions{Subject: "postcode mapping", Gzip: true})
}

const (
	TransformerLoadModelArchive = "SEPD_transformers_open_data_with_nrn.zip"
	TransformerLoadModelCSV     = "SEPD_transformers_open_data_with_nrn.csv"
)

// ReadTransformerLoadModel extracts the load model CSV from its nested zip
// and reads it. cols optionally restricts the retained columns.
func ReadTransformerLoadModel(r io.Reader, cols ...string) (*Table, error) {
	rc, err := archive.OpenNested(r, TransformerLoadModelArchive, TransformerLoadModelCSV)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadLoose(rc, LooseOptions{
		Subject: TransformerLoadModelCSV,
		Columns: cols,
		Overrides: map[string]ColumnType{
			"full_nrn":  String,
			"latitude":  Float64,
			"longitude": Float64,
		},
	})
}

var ONSPDMember = regexp.MustCompile(`(?i)^data/onspd_.*\.csv$`)

const (
	onspdNullLat  = "99.999999"
	onspdNullLong = "0.000000"
)

// ReadONSPD reads postcode, latitude and longitude from an ONS postcode
// directory zip. Postcodes without a location are dropped.
func ReadONSPD(r io.Reader) (*Table, error) {
	rc, name, err := archive.OpenMatching(r, ONSPDMember)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadLoose(rc, LooseOptions{
		Subject:      name,
		Columns:      []string{"pcd", "lat", "long"},
		Overrides:    map[string]ColumnType{"lat": Float64, "long": Float64},
		NullValues:   map[string][]string{"lat": {onspdNullLat}, "long": {onspdNullLong}},
		DropNullRows: true,
	})
}
