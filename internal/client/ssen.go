package client

import (
	"context"
	"io"
	"time"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/download"
	"github.com/razvanmarinn/weave/internal/freshness"
)

// SSENLive reads SSEN's smart meter portal.
type SSENLive struct {
	cfg    config.SSENConfig
	opts   Options
	oracle *freshness.Oracle
}

func NewSSENLive(cfg config.SSENConfig, opts Options) *SSENLive {
	opts = opts.withDefaults()
	return &SSENLive{
		cfg:  cfg,
		opts: opts,
		oracle: freshness.New(freshness.Options{
			BaseURL:    cfg.CKANBaseURL,
			Datasets:   cfg.Datasets,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.ListingTimeout,
			CacheTTL:   opts.CacheTTL,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		}),
	}
}

func (c *SSENLive) ListAvailableFiles(ctx context.Context) ([]core.AvailableFile, error) {
	return listJSON(ctx, c.opts, c.cfg.AvailableFilesURL, nil, catalog.MapSSENListing)
}

func (c *SSENLive) Download(ctx context.Context, url string, sink io.Writer, compress bool) error {
	_, err := c.opts.downloader(download.LiveLevel).Fetch(ctx, c.opts.HTTPClient, url, nil, sink, compress)
	return err
}

func (c *SSENLive) GetLastModified(ctx context.Context, dataset string) (*time.Time, error) {
	return c.oracle.LastModified(ctx, dataset)
}

func (c *SSENLive) URLs() ResourceURLs {
	return ResourceURLs{PostcodeMapping: c.cfg.PostcodeMappingURL, TransformerLoadModel: c.cfg.TransformerLoadModelURL}
}

type SSENStubConfig struct {
	// ListingFile holds a JSON listing in the live format.
	ListingFile string
	// FileToDownload is served for every Download call.
	FileToDownload string
	LastModified   *time.Time
	// Datasets, when set, restricts GetLastModified to mapped names.
	Datasets map[string]config.DatasetResource
	URLs     ResourceURLs
}

// SSENStub serves fixtures from disk through the same mapping and download
// paths as SSENLive.
type SSENStub struct {
	cfg  SSENStubConfig
	opts Options
}

func NewSSENStub(cfg SSENStubConfig, opts Options) *SSENStub {
	return &SSENStub{cfg: cfg, opts: opts.withDefaults()}
}

func (c *SSENStub) ListAvailableFiles(context.Context) ([]core.AvailableFile, error) {
	return readFixture(c.cfg.ListingFile, catalog.MapSSENListing)
}

func (c *SSENStub) Download(ctx context.Context, _ string, sink io.Writer, compress bool) error {
	return copyFixture(ctx, c.opts, c.cfg.FileToDownload, sink, compress)
}

func (c *SSENStub) GetLastModified(_ context.Context, dataset string) (*time.Time, error) {
	if c.cfg.Datasets != nil {
		if _, ok := c.cfg.Datasets[dataset]; !ok {
			return nil, &core.ConfigurationError{Key: dataset, Msg: "no catalog mapping for dataset"}
		}
	}
	return c.cfg.LastModified, nil
}

func (c *SSENStub) URLs() ResourceURLs { return c.cfg.URLs }
