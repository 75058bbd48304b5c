// Package download streams remote payloads into a sink in fixed-size chunks,
// optionally gzip compressing on the fly.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

const (
	DefaultChunkSize = 10 << 20

	// LiveLevel is used against upstream sources, FixtureLevel for recorded
	// fixtures. Both produce the same gzip framing.
	LiveLevel    = gzip.BestCompression
	FixtureLevel = gzip.BestSpeed
)

// Stats describes one completed or aborted copy.
type Stats struct {
	BytesRead    int64
	BytesWritten int64
	Chunks       int
}

type Downloader struct {
	ChunkSize int
	Level     int
	Logger    *logging.Logger
}

func New(level int, logger *logging.Logger) *Downloader {
	return &Downloader{ChunkSize: DefaultChunkSize, Level: level, Logger: logger}
}

func (d *Downloader) chunkSize() int {
	if d.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return d.ChunkSize
}

func (d *Downloader) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Copy reads src chunk by chunk and writes each chunk to sink, through a
// single gzip stream when compress is set. total is the expected size used
// for progress reporting, zero when unknown. name identifies the source in
// logs and errors.
//
// On failure the sink holds partial output; removing it is up to the caller.
func (d *Downloader) Copy(ctx context.Context, name string, src io.Reader, total int64, sink io.Writer, compress bool) (stats Stats, err error) {
	out := &countingWriter{w: sink}
	defer func() { stats.BytesWritten = out.n }()

	var w io.Writer = out
	var zw *gzip.Writer
	if compress {
		if zw, err = gzip.NewWriterLevel(out, d.Level); err != nil {
			return stats, fmt.Errorf("create compressor: %w", err)
		}
		w = zw
		defer func() {
			if zw != nil {
				zw.Close()
			}
		}()
	}

	logger := d.logger()
	buf := make([]byte, d.chunkSize())
	for {
		if cerr := ctx.Err(); cerr != nil {
			return stats, cerr
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			stats.Chunks++
			stats.BytesRead += int64(n)
			logger.LogDownloadProgress(name, total, stats.BytesRead)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return stats, fmt.Errorf("write chunk %d of %s: %w", stats.Chunks, name, werr)
			}
		}

		switch rerr {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			if zw != nil {
				cerr := zw.Close()
				zw = nil
				if cerr != nil {
					return stats, fmt.Errorf("finish gzip stream for %s: %w", name, cerr)
				}
			}
			return stats, nil
		default:
			return stats, &core.TransportError{Op: "read", URL: name, Err: rerr}
		}
	}
}

// Fetch GETs url and copies the response body into sink. Non-2xx responses
// fail before anything is written.
func (d *Downloader) Fetch(ctx context.Context, client *http.Client, url string, header http.Header, sink io.Writer, compress bool) (Stats, error) {
	ctx, span := tracing.Tracer().Start(ctx, "download.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", url), attribute.Bool("compress", compress))

	resp, err := get(ctx, client, url, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Stats{}, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	logger := d.logger()
	logger.LogDownloadStart(url, total)

	start := time.Now()
	stats, err := d.Copy(ctx, url, resp.Body, total, sink, compress)
	span.SetAttributes(attribute.Int64("bytes_read", stats.BytesRead), attribute.Int64("bytes_written", stats.BytesWritten))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "copy failed")
		return stats, err
	}
	logger.LogDownloadComplete(url, stats.BytesRead, stats.BytesWritten, time.Since(start))
	return stats, nil
}

// Get issues a GET and hands the response body to decode.
func Get(ctx context.Context, client *http.Client, url string, header http.Header, decode func(io.Reader) error) error {
	resp, err := get(ctx, client, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp.Body)
}

func get(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &core.TransportError{Op: http.MethodGet, URL: url, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &core.TransportError{Op: http.MethodGet, URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &core.TransportError{Op: http.MethodGet, URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
