package pipeline

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/events"
	"github.com/razvanmarinn/weave/internal/monthly"
	"github.com/razvanmarinn/weave/internal/tabular"
)

// Resource is a non-dated upstream file stored under a fixed name and
// checked by parsing it back.
type Resource struct {
	Dataset  string
	Filename string
	Compress bool
	Parse    func(io.Reader) (*tabular.Table, error)
}

var (
	PostcodeMapping = Resource{
		Dataset:  "ssen_lv_feeder_postcode_mapping",
		Filename: monthly.PostcodeMappingFile,
		Compress: true,
		Parse:    tabular.ReadPostcodeMapping,
	}
	TransformerLoadModel = Resource{
		Dataset:  "ssen_transformer_load_model",
		Filename: monthly.TransformerLoadModelFile,
		Parse: func(r io.Reader) (*tabular.Table, error) {
			return tabular.ReadTransformerLoadModel(r)
		},
	}
	ONSPD = Resource{
		Dataset:  "onspd",
		Filename: monthly.ONSPDFile,
		Parse:    tabular.ReadONSPD,
	}
)

type Materialization struct {
	Event   events.AcquisitionEvent `json:"event"`
	Rows    int                     `json:"rows"`
	Columns []string                `json:"columns"`
}

// Materialize stores res from url and parses the stored copy. A file that
// downloads but does not parse stays in storage and the parse error is
// returned.
func (p *Pipeline) Materialize(ctx context.Context, url string, res Resource) (Materialization, error) {
	ev, err := p.AcquireResource(ctx, url, res.Filename, res.Compress)
	if err != nil {
		return Materialization{}, err
	}
	m := Materialization{Event: ev}
	if res.Parse == nil {
		return m, nil
	}

	r, err := p.raw.Open(ctx, p.dno, res.Filename)
	if err != nil {
		return m, err
	}
	defer r.Close()

	t, err := res.Parse(r)
	if err != nil {
		return m, fmt.Errorf("parse %s: %w", res.Filename, err)
	}
	m.Rows = t.NumRows
	m.Columns = t.Schema.Names()
	if p.metrics != nil {
		p.metrics.ParsedRowsTotal.WithLabelValues(res.Dataset).Add(float64(t.NumRows))
	}
	p.logger.WithDataset(res.Dataset).Info("Resource materialized",
		zap.String("path", ev.Path),
		zap.Int("rows", m.Rows),
		zap.Strings("columns", m.Columns),
	)
	return m, nil
}
