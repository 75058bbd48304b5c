// Package pipeline lands upstream files in raw storage: one download per
// file, partial output removed on failure, an event published on success.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/client"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/events"
	"github.com/razvanmarinn/weave/internal/freshness"
	"github.com/razvanmarinn/weave/internal/storage"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

// DefaultWorkers caps concurrent acquisitions.
const DefaultWorkers = 3

type Options struct {
	Publisher events.Publisher
	Logger    *logging.Logger
	Metrics   *metrics.AcquisitionMetrics
	Workers   int
	// Partition derives the partition key recorded on events. Defaults to
	// catalog.MonthPartition.
	Partition func(filename string) (string, error)
}

type Pipeline struct {
	dno       core.DNO
	client    client.Client
	raw       storage.Store
	publisher events.Publisher
	logger    *logging.Logger
	metrics   *metrics.AcquisitionMetrics
	workers   int
	partition func(string) (string, error)
}

func New(dno core.DNO, c client.Client, raw storage.Store, opts Options) *Pipeline {
	p := &Pipeline{
		dno:       dno,
		client:    c,
		raw:       raw,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		workers:   opts.Workers,
		partition: opts.Partition,
	}
	if p.publisher == nil {
		p.publisher = events.NopPublisher{}
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.partition == nil {
		p.partition = catalog.MonthPartition
	}
	return p
}

// AcquireFile stores the catalog file at url as <filename>.gz, compressed.
func (p *Pipeline) AcquireFile(ctx context.Context, url string) (events.AcquisitionEvent, error) {
	return p.AcquireResource(ctx, url, catalog.FilenameForURL(url)+".gz", true)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// AcquireResource downloads url into raw storage under filename. Either the
// whole file is stored or nothing is.
func (p *Pipeline) AcquireResource(ctx context.Context, url, filename string, compress bool) (ev events.AcquisitionEvent, err error) {
	start := time.Now()
	log := p.logger.WithDNO(p.dno.String()).With(zap.String("url", url), zap.String("filename", filename))

	ctx, span := tracing.Tracer().Start(ctx, "pipeline.acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("dno", p.dno.String()),
		attribute.String("filename", filename),
		attribute.Bool("compress", compress),
	)

	defer func() {
		if err == nil {
			p.observe(metrics.StatusSuccess, ev.Bytes, time.Since(start))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquisition failed")
		p.observe(metrics.StatusFailure, 0, time.Since(start))
		log.Error("Acquisition failed", zap.Error(err))
	}()

	sink, err := p.raw.Create(ctx, p.dno, filename)
	if err != nil {
		return ev, err
	}
	cw := &countingWriter{w: sink}
	if err = p.client.Download(ctx, url, cw, compress); err != nil {
		// The abort error only restates the download failure.
		_ = storage.Abort(sink, err)
	} else {
		err = sink.Close()
	}
	if err != nil {
		if derr := p.raw.Delete(context.WithoutCancel(ctx), p.dno, filename); derr != nil {
			log.Warn("Failed to remove partial file", zap.Error(derr))
		}
		return ev, fmt.Errorf("acquire %s: %w", filename, err)
	}

	ev = events.NewAcquisitionEvent(p.dno, filename, url)
	ev.Path = p.raw.Path(p.dno, filename)
	ev.Bytes = cw.n
	ev.Compressed = compress
	if key, perr := p.partition(catalog.FilenameForURL(url)); perr == nil {
		ev.Partition = key
	}

	log.Info("File acquired", zap.String("path", ev.Path), zap.Int64("bytes", ev.Bytes))
	if perr := p.publisher.Publish(ctx, ev); perr != nil {
		log.Warn("Acquisition event not published", zap.Error(perr))
	}
	return ev, nil
}

func (p *Pipeline) observe(status string, bytes int64, d time.Duration) {
	if p.metrics == nil {
		return
	}
	dno := p.dno.String()
	p.metrics.DownloadsTotal.WithLabelValues(dno, status).Inc()
	if status == metrics.StatusSuccess {
		p.metrics.DownloadBytesTotal.WithLabelValues(dno).Add(float64(bytes))
		p.metrics.DownloadDuration.WithLabelValues(dno).Observe(d.Seconds())
	}
}

// AcquireAll acquires every url on a bounded pool. One failure does not stop
// the others; all failures are joined into the returned error. Events are in
// url order, zero-valued where acquisition failed.
func (p *Pipeline) AcquireAll(ctx context.Context, urls []string) ([]events.AcquisitionEvent, error) {
	evs := make([]events.AcquisitionEvent, len(urls))
	errs := make([]error, len(urls))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(p.workers, len(urls)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				evs[i], errs[i] = p.AcquireFile(ctx, urls[i])
			}
		}()
	}
	for i := range urls {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return evs, errors.Join(errs...)
}

// NewFiles lists the catalog and returns the urls of files after cursor, with
// the cursor to use next time.
func (p *Pipeline) NewFiles(ctx context.Context, cursor string) ([]string, string, error) {
	files, err := p.client.ListAvailableFiles(ctx)
	if err != nil {
		return nil, cursor, err
	}
	urls, next := catalog.NewSince(files, cursor)
	p.logger.WithDNO(p.dno.String()).Info("Checked for new files",
		zap.String("cursor", cursor), zap.Int("new_files", len(urls)), zap.String("next_cursor", next))
	return urls, next, nil
}

// NewFilesCreated is NewFiles for catalogs that publish creation times,
// keyed on Created instead of filename.
func (p *Pipeline) NewFilesCreated(ctx context.Context, cursor time.Time) ([]string, time.Time, error) {
	files, err := p.client.ListAvailableFiles(ctx)
	if err != nil {
		return nil, cursor, err
	}
	urls, next := catalog.CreatedSince(files, cursor)
	p.logger.WithDNO(p.dno.String()).Info("Checked for new files",
		zap.Time("cursor", cursor), zap.Int("new_files", len(urls)), zap.Time("next_cursor", next))
	return urls, next, nil
}

// AcquireNew acquires every file after cursor. The cursor only advances when
// all of them were stored.
func (p *Pipeline) AcquireNew(ctx context.Context, cursor string) ([]events.AcquisitionEvent, string, error) {
	urls, next, err := p.NewFiles(ctx, cursor)
	if err != nil {
		return nil, cursor, err
	}
	evs, err := p.AcquireAll(ctx, urls)
	if err != nil {
		return evs, cursor, err
	}
	return evs, next, nil
}

type Freshness struct {
	Dataset      string     `json:"dataset"`
	LastModified *time.Time `json:"last_modified"`
	Stale        bool       `json:"stale"`
}

// CheckFreshness asks upstream when dataset last changed and whether that is
// after materializedAt.
func (p *Pipeline) CheckFreshness(ctx context.Context, dataset string, materializedAt time.Time) (Freshness, error) {
	modified, err := p.client.GetLastModified(ctx, dataset)
	if err != nil {
		return Freshness{Dataset: dataset}, err
	}
	return Freshness{
		Dataset:      dataset,
		LastModified: modified,
		Stale:        freshness.IsStale(materializedAt, modified),
	}, nil
}

// Files lists the catalog with each file's partition key, empty where the
// filename carries none.
func (p *Pipeline) Files(ctx context.Context) ([]File, error) {
	files, err := p.client.ListAvailableFiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]File, len(files))
	for i, f := range files {
		out[i] = File{AvailableFile: f}
		if key, err := p.partition(f.Filename); err == nil {
			out[i].Partition = key
		}
	}
	return out, nil
}

type File struct {
	core.AvailableFile
	Partition string `json:"partition,omitempty"`
}

func (p *Pipeline) DNO() core.DNO { return p.dno }
