package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/download"
)

// NGEDLive reads NGED's connected data portal. Every request carries the API
// token. Freshness comes from the per-file Created times in the catalog, so
// GetLastModified always returns nil.
type NGEDLive struct {
	cfg  config.NGEDConfig
	opts Options
}

func NewNGEDLive(cfg config.NGEDConfig, opts Options) *NGEDLive {
	return &NGEDLive{cfg: cfg, opts: opts.withDefaults()}
}

func (c *NGEDLive) header() http.Header {
	h := http.Header{}
	if c.cfg.APIToken != "" {
		h.Set("Authorization", c.cfg.APIToken)
	}
	return h
}

func (c *NGEDLive) ListAvailableFiles(ctx context.Context) ([]core.AvailableFile, error) {
	return listJSON(ctx, c.opts, c.cfg.DatapackageURL, c.header(), catalog.MapCKANDatapackage)
}

func (c *NGEDLive) Download(ctx context.Context, url string, sink io.Writer, compress bool) error {
	_, err := c.opts.downloader(download.LiveLevel).Fetch(ctx, c.opts.HTTPClient, url, c.header(), sink, compress)
	return err
}

func (c *NGEDLive) GetLastModified(context.Context, string) (*time.Time, error) {
	return nil, nil
}

type NGEDStubConfig struct {
	// DatapackageFile holds a datapackage.json in the live format.
	DatapackageFile string
	FileToDownload  string
}

type NGEDStub struct {
	cfg  NGEDStubConfig
	opts Options
}

func NewNGEDStub(cfg NGEDStubConfig, opts Options) *NGEDStub {
	return &NGEDStub{cfg: cfg, opts: opts.withDefaults()}
}

func (c *NGEDStub) ListAvailableFiles(context.Context) ([]core.AvailableFile, error) {
	return readFixture(c.cfg.DatapackageFile, catalog.MapCKANDatapackage)
}

func (c *NGEDStub) Download(ctx context.Context, _ string, sink io.Writer, compress bool) error {
	return copyFixture(ctx, c.opts, c.cfg.FileToDownload, sink, compress)
}

func (c *NGEDStub) GetLastModified(context.Context, string) (*time.Time, error) {
	return nil, nil
}
