package client

import (
	"context"
	"io"
	"time"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/download"
)

// ONSLive fetches the ONS postcode directory, a single archive with no
// catalog of its own.
type ONSLive struct {
	url  string
	opts Options
}

func NewONSLive(onspdURL string, opts Options) *ONSLive {
	return &ONSLive{url: onspdURL, opts: opts.withDefaults()}
}

// ListAvailableFiles returns the directory archive as the only file.
func (c *ONSLive) ListAvailableFiles(context.Context) ([]core.AvailableFile, error) {
	return []core.AvailableFile{{Filename: catalog.FilenameForURL(c.url), URL: c.url}}, nil
}

func (c *ONSLive) Download(ctx context.Context, url string, sink io.Writer, compress bool) error {
	_, err := c.opts.downloader(download.LiveLevel).Fetch(ctx, c.opts.HTTPClient, url, nil, sink, compress)
	return err
}

func (c *ONSLive) GetLastModified(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (c *ONSLive) URL() string { return c.url }

type ONSStub struct {
	file string
	opts Options
}

func NewONSStub(fileToDownload string, opts Options) *ONSStub {
	return &ONSStub{file: fileToDownload, opts: opts.withDefaults()}
}

func (c *ONSStub) ListAvailableFiles(context.Context) ([]core.AvailableFile, error) {
	return []core.AvailableFile{{Filename: "onspd.zip", URL: "file://" + c.file}}, nil
}

func (c *ONSStub) Download(ctx context.Context, _ string, sink io.Writer, compress bool) error {
	return copyFixture(ctx, c.opts, c.file, sink, compress)
}

func (c *ONSStub) GetLastModified(context.Context, string) (*time.Time, error) {
	return nil, nil
}
