// Package freshness asks a CKAN catalog when a dataset resource last changed
// and decides whether a materialized copy of it is stale.
package freshness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/download"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

const (
	DefaultTimeout   = 5 * time.Second
	defaultCacheSize = 128
)

type Options struct {
	BaseURL    string
	Datasets   map[string]config.DatasetResource
	HTTPClient *http.Client
	// Timeout bounds each catalog request. Zero means DefaultTimeout.
	Timeout time.Duration
	// CacheTTL of zero disables caching.
	CacheTTL time.Duration
	Logger   *logging.Logger
	Metrics  *metrics.AcquisitionMetrics
}

type lookup struct {
	modified *time.Time
}

type Oracle struct {
	baseURL  string
	datasets map[string]config.DatasetResource
	client   *http.Client
	timeout  time.Duration
	cache    *expirable.LRU[string, lookup]
	logger   *logging.Logger
	metrics  *metrics.AcquisitionMetrics
}

func New(opts Options) *Oracle {
	o := &Oracle{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		datasets: opts.Datasets,
		client:   opts.HTTPClient,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if o.client == nil {
		o.client = http.DefaultClient
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if opts.CacheTTL > 0 {
		o.cache = expirable.NewLRU[string, lookup](defaultCacheSize, nil, opts.CacheTTL)
	}
	return o
}

type packageShow struct {
	Result struct {
		Resources []struct {
			ID           string  `json:"id"`
			LastModified *string `json:"last_modified"`
		} `json:"resources"`
	} `json:"result"`
}

// LastModified returns when the resource mapped to dataset last changed, or
// nil when the catalog does not say.
func (o *Oracle) LastModified(ctx context.Context, dataset string) (*time.Time, error) {
	ds, ok := o.datasets[dataset]
	if !ok {
		return nil, &core.ConfigurationError{Key: dataset, Msg: "no catalog mapping for dataset"}
	}

	if o.cache != nil {
		if hit, ok := o.cache.Get(dataset); ok {
			o.count(func(m *metrics.AcquisitionMetrics) { m.CacheLookupsTotal.WithLabelValues("hit").Inc() })
			return hit.modified, nil
		}
		o.count(func(m *metrics.AcquisitionMetrics) { m.CacheLookupsTotal.WithLabelValues("miss").Inc() })
	}

	ctx, span := tracing.Tracer().Start(ctx, "freshness.last_modified")
	defer span.End()
	span.SetAttributes(attribute.String("dataset", dataset), attribute.String("package", ds.PackageName))

	modified, err := o.fetch(ctx, dataset, ds)
	if err != nil {
		span.RecordError(err)
		o.count(func(m *metrics.AcquisitionMetrics) {
			m.FreshnessLookupsTotal.WithLabelValues(dataset, metrics.StatusFailure).Inc()
		})
		return nil, err
	}
	o.count(func(m *metrics.AcquisitionMetrics) {
		m.FreshnessLookupsTotal.WithLabelValues(dataset, metrics.StatusSuccess).Inc()
	})
	if o.cache != nil {
		o.cache.Add(dataset, lookup{modified: modified})
	}
	return modified, nil
}

func (o *Oracle) fetch(ctx context.Context, dataset string, ds config.DatasetResource) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/3/action/package_show?id=%s", o.baseURL, url.QueryEscape(ds.PackageName))
	var pkg packageShow
	err := download.Get(ctx, o.client, endpoint, nil, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&pkg); err != nil {
			return &core.StructuralError{Op: "decode package", Subject: ds.PackageName, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range pkg.Result.Resources {
		if res.ID != ds.ResourceID {
			continue
		}
		if res.LastModified == nil || *res.LastModified == "" {
			return nil, nil
		}
		modified, zoned, err := core.ParseTimestamp(*res.LastModified)
		if err != nil {
			return nil, &core.StructuralError{Op: "parse last_modified", Subject: ds.ResourceID, Expected: "ISO-8601 timestamp", Actual: *res.LastModified}
		}
		if !zoned {
			o.logger.WithDataset(dataset).Debug("Catalog timestamp has no zone, assuming UTC",
				zap.String("last_modified", *res.LastModified))
		}
		return &modified, nil
	}
	return nil, &core.StructuralError{
		Op:       "find resource",
		Subject:  ds.ResourceID,
		Expected: "resource in package " + ds.PackageName,
		Actual:   "not found",
	}
}

func (o *Oracle) count(f func(*metrics.AcquisitionMetrics)) {
	if o.metrics != nil {
		f(o.metrics)
	}
}

// IsStale reports whether upstream changed after materializedAt. An unknown
// upstream time is never stale.
func IsStale(materializedAt time.Time, upstream *time.Time) bool {
	return upstream != nil && upstream.After(materializedAt)
}
