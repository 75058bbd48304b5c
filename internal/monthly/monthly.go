// Package monthly compacts a month of raw daily LV feeder files into one
// parquet file in staging, with substation locations joined in.
package monthly

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/storage"
	"github.com/razvanmarinn/weave/internal/tabular"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

// Dataset labels parsed-row metrics for feeder usage files.
const Dataset = "ssen_lv_feeder"

type Builder struct {
	Raw     storage.Store
	Staging storage.Store
	// Threads bounds gzip decompression per file; zero means GOMAXPROCS.
	Threads int
	Logger  *logging.Logger
	Metrics *metrics.AcquisitionMetrics
}

type Result struct {
	Partition string   `json:"partition"`
	Path      string   `json:"path"`
	Files     int      `json:"files"`
	Rows      int      `json:"rows"`
	Missing   []string `json:"missing,omitempty"`
}

func NewBuilder(raw, staging storage.Store, logger *logging.Logger, m *metrics.AcquisitionMetrics) *Builder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{Raw: raw, Staging: staging, Logger: logger, Metrics: m}
}

// Build writes the monthly file for partitionKey (YYYY-MM-01). Missing daily
// files are skipped. With a non-nil lookup every row's substation_geo_location
// is replaced by the lookup value for its NRN, or null when there is none.
// On failure the partial monthly file is removed.
func (b *Builder) Build(ctx context.Context, partitionKey string, lookup Lookup) (res Result, err error) {
	daily, err := catalog.DailyFilenames(partitionKey)
	if err != nil {
		return res, err
	}
	monthlyFile, err := catalog.MonthlyFilename(partitionKey)
	if err != nil {
		return res, err
	}
	res = Result{Partition: partitionKey, Path: b.Staging.Path(core.SSEN, monthlyFile)}
	log := b.Logger.WithPartition(partitionKey)

	ctx, span := tracing.Tracer().Start(ctx, "monthly.build")
	defer span.End()
	span.SetAttributes(attribute.String("partition", partitionKey), attribute.Bool("join_locations", lookup != nil))

	log.Info("Producing monthly file", zap.String("file", monthlyFile), zap.Int("daily_files", len(daily)))

	out, err := b.Staging.Create(ctx, core.SSEN, monthlyFile)
	if err != nil {
		return res, err
	}
	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		_ = out.Close()
		if derr := b.Staging.Delete(context.WithoutCancel(ctx), core.SSEN, monthlyFile); derr != nil {
			log.Warn("Failed to remove partial monthly file", zap.Error(derr))
		}
	}()

	pw, err := newWriter(out, new(FeederUsageRow))
	if err != nil {
		return res, err
	}
	for _, name := range daily {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows, err := b.appendDaily(ctx, name, lookup, func(row FeederUsageRow) error { return pw.Write(row) })
		if errors.Is(err, os.ErrNotExist) {
			log.Info("Ignoring missing daily file", zap.String("file", name))
			res.Missing = append(res.Missing, name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("build %s from %s: %w", monthlyFile, name, err)
		}
		res.Files++
		res.Rows += rows
	}
	if err := pw.WriteStop(); err != nil {
		return res, fmt.Errorf("failed to stop parquet writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return res, fmt.Errorf("close %s: %w", res.Path, err)
	}

	span.SetAttributes(attribute.Int("files", res.Files), attribute.Int("rows", res.Rows))
	if b.Metrics != nil {
		b.Metrics.ParsedRowsTotal.WithLabelValues(Dataset).Add(float64(res.Rows))
	}
	log.Info("Monthly file written",
		zap.String("path", res.Path),
		zap.Int("files", res.Files),
		zap.Int("rows", res.Rows),
		zap.Int("missing", len(res.Missing)),
	)
	return res, nil
}

func (b *Builder) appendDaily(ctx context.Context, name string, lookup Lookup, write func(FeederUsageRow) error) (int, error) {
	r, err := b.Raw.Open(ctx, core.SSEN, name)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	b.Logger.WithPartition(name).Debug("Processing daily file")
	t, err := tabular.ReadFeederUsage(r, b.Threads)
	if err != nil {
		return 0, err
	}
	cols, err := resolveFeederColumns(t)
	if err != nil {
		return 0, err
	}
	for i := 0; i < t.NumRows; i++ {
		row := cols.row(i)
		if lookup != nil {
			row.SubstationGeoLocation = nil
			if row.DatasetID != nil {
				if loc, ok := lookup[SubstationNRN(*row.DatasetID)]; ok {
					row.SubstationGeoLocation = &loc
				}
			}
		}
		if err := write(row); err != nil {
			return 0, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	return t.NumRows, nil
}

// Open reads back the monthly file for partitionKey.
func (b *Builder) Open(ctx context.Context, partitionKey string) ([]FeederUsageRow, error) {
	monthlyFile, err := catalog.MonthlyFilename(partitionKey)
	if err != nil {
		return nil, err
	}
	r, err := b.Staging.Open(ctx, core.SSEN, monthlyFile)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadMonthly(r)
}
