package monthly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/storage"
)

// Staging files the location lookup is assembled from.
const (
	LoadModelLookupFile      = "substation_location_lookup_transformer_load_model.parquet"
	FeederPostcodeLookupFile = "substation_location_lookup_feeder_postcodes.parquet"
)

// NRNLength is how many leading characters of a dataset_id form the
// substation network reference number.
const NRNLength = 10

// Lookup maps substation NRN to a "lat,long" location.
type Lookup map[string]string

// SubstationNRN returns the NRN prefix of a feeder dataset_id.
func SubstationNRN(datasetID string) string {
	if len(datasetID) <= NRNLength {
		return datasetID
	}
	return datasetID[:NRNLength]
}

// LoadLookup reads the lookup files from staging and merges them. The
// transformer load model wins over feeder postcodes where both have a
// location for a substation. Either file may be absent, but not both.
func LoadLookup(ctx context.Context, staging storage.Store) (Lookup, error) {
	var sources [][]LocationRow
	var missing []error
	for _, name := range []string{FeederPostcodeLookupFile, LoadModelLookupFile} {
		rows, err := readLookupFile(ctx, staging, name)
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		sources = append(sources, rows)
	}
	if len(sources) == 0 {
		return nil, errors.Join(missing...)
	}

	lookup := make(Lookup)
	for _, rows := range sources {
		for _, row := range rows {
			if row.SubstationNRN == nil || row.SubstationGeoLocation == nil {
				continue
			}
			lookup[*row.SubstationNRN] = *row.SubstationGeoLocation
		}
	}
	return lookup, nil
}

func readLookupFile(ctx context.Context, staging storage.Store, filename string) ([]LocationRow, error) {
	r, err := staging.Open(ctx, core.SSEN, filename)
	if err != nil {
		return nil, fmt.Errorf("open location lookup %s: %w", filename, err)
	}
	defer r.Close()

	rows, err := readRows[LocationRow](r)
	if err != nil {
		return nil, &core.StructuralError{Op: "read location lookup", Subject: filename, Expected: "parquet file", Err: err}
	}
	return rows, nil
}

// WriteLookup writes lookup as a location lookup parquet file, ordered by NRN.
func WriteLookup(w io.Writer, lookup Lookup) error {
	nrns := make([]string, 0, len(lookup))
	for nrn := range lookup {
		nrns = append(nrns, nrn)
	}
	sort.Strings(nrns)

	rows := make([]LocationRow, len(nrns))
	for i, nrn := range nrns {
		loc := lookup[nrn]
		rows[i] = LocationRow{SubstationNRN: &nrn, SubstationGeoLocation: &loc}
	}
	return writeRows(w, rows)
}
