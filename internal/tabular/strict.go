package tabular

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/pgzip"

	"github.com/razvanmarinn/weave/internal/core"
)

// FeederUsageSchema is the closed schema of LV feeder usage files.
var FeederUsageSchema = Schema{
	{Name: "dataset_id", Type: String},
	{Name: "dno_alias", Type: String},
	{Name: "secondary_substation_id", Type: String},
	{Name: "secondary_substation_name", Type: String},
	{Name: "lv_feeder_id", Type: String},
	{Name: "lv_feeder_name", Type: String},
	{Name: "substation_geo_location", Type: String},
	{Name: "aggregated_device_count_active", Type: Float64},
	{Name: "total_consumption_active_import", Type: Float64},
	{Name: "data_collection_log_timestamp", Type: TimestampMillisUTC},
	{Name: "insert_time", Type: TimestampMillisUTC},
	{Name: "last_modified_time", Type: TimestampMillisUTC},
}

// typedNulls are the cell values read as null in numeric and timestamp
// columns of a strict parse. Empty cells are null in every typed column.
var typedNulls = map[string]struct{}{
	"#N/A": {}, "#N/A N/A": {}, "#NA": {},
	"-1.#IND": {}, "-1.#QNAN": {}, "-NaN": {}, "-nan": {},
	"1.#IND": {}, "1.#QNAN": {},
	"N/A": {}, "NA": {}, "NULL": {}, "NaN": {}, "n/a": {}, "nan": {}, "null": {},
}

// decompressBlock is the pgzip read-ahead block size.
const decompressBlock = 1 << 20

// ReadFeederUsage decompresses a gzip LV feeder file with up to threads
// concurrent readers and parses it against FeederUsageSchema.
func ReadFeederUsage(r io.Reader, threads int) (*Table, error) {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	zr, err := pgzip.NewReaderN(r, decompressBlock, threads)
	if err != nil {
		return nil, &core.StructuralError{Op: "open gzip", Subject: "feeder usage", Expected: "gzip stream", Err: err}
	}
	defer zr.Close()
	return readStrict(zr, FeederUsageSchema, "feeder usage")
}

// ReadStrict parses uncompressed CSV from r. Every schema field must be in the
// header; header columns outside the schema are dropped. Output columns
// follow schema order.
func ReadStrict(r io.Reader, schema Schema) (*Table, error) {
	return readStrict(r, schema, "strict csv")
}

func readStrict(r io.Reader, schema Schema, subject string) (*Table, error) {
	t, err := readCSV(r, readOptions{
		subject: subject,
		resolve: func(header []string) (selection, error) {
			idx := headerIndex(header)
			sel := selection{schema: schema, indexes: make([]int, len(schema)), nulls: make([]map[string]struct{}, len(schema))}
			for i, f := range schema {
				j, ok := idx[f.Name]
				if !ok {
					return selection{}, missingColumn(subject, f.Name)
				}
				sel.indexes[i] = j
				if f.Type != String {
					sel.nulls[i] = typedNulls
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
