package monthly

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/razvanmarinn/weave/internal/tabular"
)

// FeederUsageRow is one row of a monthly file. Every column is nullable so
// files stay readable next to ones written by other parquet tooling.
type FeederUsageRow struct {
	DatasetID                    *string  `parquet:"name=dataset_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	DNOAlias                     *string  `parquet:"name=dno_alias, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SecondarySubstationID        *string  `parquet:"name=secondary_substation_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SecondarySubstationName      *string  `parquet:"name=secondary_substation_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	LVFeederID                   *string  `parquet:"name=lv_feeder_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	LVFeederName                 *string  `parquet:"name=lv_feeder_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SubstationGeoLocation        *string  `parquet:"name=substation_geo_location, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	AggregatedDeviceCountActive  *float64 `parquet:"name=aggregated_device_count_active, type=DOUBLE, repetitiontype=OPTIONAL"`
	TotalConsumptionActiveImport *float64 `parquet:"name=total_consumption_active_import, type=DOUBLE, repetitiontype=OPTIONAL"`
	DataCollectionLogTimestamp   *int64   `parquet:"name=data_collection_log_timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=OPTIONAL"`
	InsertTime                   *int64   `parquet:"name=insert_time, type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=OPTIONAL"`
	LastModifiedTime             *int64   `parquet:"name=last_modified_time, type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=OPTIONAL"`
}

// LocationRow is one row of a substation location lookup file.
type LocationRow struct {
	SubstationNRN         *string `parquet:"name=substation_nrn, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SubstationGeoLocation *string `parquet:"name=substation_geo_location, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// feederColumns resolves the FeederUsageSchema columns of a parsed table once
// so rows can be built by index.
type feederColumns struct {
	strings [7]*tabular.Column
	floats  [2]*tabular.Column
	times   [3]*tabular.Column
}

func resolveFeederColumns(t *tabular.Table) (feederColumns, error) {
	var fc feederColumns
	var s, f, ts int
	for _, field := range tabular.FeederUsageSchema {
		c := t.Column(field.Name)
		if c == nil {
			return fc, fmt.Errorf("table has no %s column", field.Name)
		}
		switch field.Type {
		case tabular.String:
			fc.strings[s] = c
			s++
		case tabular.Float64:
			fc.floats[f] = c
			f++
		case tabular.TimestampMillisUTC:
			fc.times[ts] = c
			ts++
		}
	}
	return fc, nil
}

func (fc feederColumns) row(i int) FeederUsageRow {
	str := func(k int) *string {
		c := fc.strings[k]
		if c.IsNull(i) {
			return nil
		}
		v := c.Strings[i]
		return &v
	}
	num := func(k int) *float64 {
		c := fc.floats[k]
		if c.IsNull(i) {
			return nil
		}
		v := c.Floats[i]
		return &v
	}
	ms := func(k int) *int64 {
		c := fc.times[k]
		if c.IsNull(i) {
			return nil
		}
		v := c.Millis[i]
		return &v
	}
	return FeederUsageRow{
		DatasetID:                    str(0),
		DNOAlias:                     str(1),
		SecondarySubstationID:        str(2),
		SecondarySubstationName:      str(3),
		LVFeederID:                   str(4),
		LVFeederName:                 str(5),
		SubstationGeoLocation:        str(6),
		AggregatedDeviceCountActive:  num(0),
		TotalConsumptionActiveImport: num(1),
		DataCollectionLogTimestamp:   ms(0),
		InsertTime:                   ms(1),
		LastModifiedTime:             ms(2),
	}
}

const writerParallelism = 4

func newWriter(w io.Writer, obj any) (*writer.ParquetWriter, error) {
	pw, err := writer.NewParquetWriterFromWriter(w, obj, writerParallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to init parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return pw, nil
}

func writeRows[T any](w io.Writer, rows []T) error {
	pw, err := newWriter(w, new(T))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to stop parquet writer: %w", err)
	}
	return nil
}

// readRows loads a whole parquet file. The format needs random access, so
// the stream is buffered first.
func readRows[T any](r io.Reader) ([]T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	pr, err := reader.NewParquetReader(buffer.NewBufferFileFromBytes(data), new(T), 1)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]T, pr.GetNumRows())
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}

// ReadMonthly decodes a monthly file.
func ReadMonthly(r io.Reader) ([]FeederUsageRow, error) {
	return readRows[FeederUsageRow](r)
}
