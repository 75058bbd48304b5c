// Package client exposes upstream open-data portals behind one interface,
// with live implementations that talk HTTP and stubs backed by local
// fixture files.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/download"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
)

type Client interface {
	// ListAvailableFiles returns the catalog sorted by filename.
	ListAvailableFiles(ctx context.Context) ([]core.AvailableFile, error)
	// Download writes the payload at url into sink, gzip compressed when
	// compress is set.
	Download(ctx context.Context, url string, sink io.Writer, compress bool) error
	// GetLastModified returns when the dataset last changed upstream, or nil
	// when unknown.
	GetLastModified(ctx context.Context, dataset string) (*time.Time, error)
}

var (
	_ Client = (*SSENLive)(nil)
	_ Client = (*SSENStub)(nil)
	_ Client = (*NGEDLive)(nil)
	_ Client = (*NGEDStub)(nil)
	_ Client = (*ONSLive)(nil)
	_ Client = (*ONSStub)(nil)
)

// ResourceURLs are the non-dated resources a portal publishes next to its
// file catalog.
type ResourceURLs struct {
	PostcodeMapping      string
	TransformerLoadModel string
}

// Options are shared by every implementation.
type Options struct {
	HTTPClient     *http.Client
	ListingTimeout time.Duration
	ChunkSize      int
	CacheTTL       time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.AcquisitionMetrics
}

const DefaultListingTimeout = 5 * time.Second

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.ListingTimeout <= 0 {
		o.ListingTimeout = DefaultListingTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = download.DefaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// OptionsFromConfig maps the runtime configuration onto client options.
func OptionsFromConfig(cfg config.Config, logger *logging.Logger, m *metrics.AcquisitionMetrics) Options {
	return Options{
		ListingTimeout: cfg.ListingTimeout,
		ChunkSize:      cfg.ChunkSize,
		CacheTTL:       cfg.FreshnessCacheTTL,
		Logger:         logger,
		Metrics:        m,
	}
}

func (o Options) downloader(level int) *download.Downloader {
	d := download.New(level, o.Logger)
	d.ChunkSize = o.ChunkSize
	return d
}

// listJSON GETs a catalog document under the listing timeout.
func listJSON[T any](ctx context.Context, o Options, url string, header http.Header, decode func(io.Reader) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, o.ListingTimeout)
	defer cancel()

	var out T
	err := download.Get(ctx, o.HTTPClient, url, header, func(r io.Reader) error {
		var err error
		out, err = decode(r)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("list available files: %w", err)
	}
	return out, nil
}

// copyFixture streams a local file through the same chunked path as a live
// download, at the fixture compression level.
func copyFixture(ctx context.Context, o Options, path string, sink io.Writer, compress bool) error {
	if path == "" {
		return &core.ConfigurationError{Key: "file_to_download", Msg: "stub has no file to download"}
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}
	if _, err := o.downloader(download.FixtureLevel).Copy(ctx, path, f, total, sink, compress); err != nil {
		return err
	}
	return nil
}

func readFixture[T any](path string, decode func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("open listing fixture: %w", err)
	}
	defer f.Close()
	return decode(f)
}
