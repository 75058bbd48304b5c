package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/razvanmarinn/weave/internal/catalog"
	"github.com/razvanmarinn/weave/internal/client"
	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/events"
	"github.com/razvanmarinn/weave/internal/pipeline"
	"github.com/razvanmarinn/weave/internal/storage"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

const serviceName = "weave"

type stubFlags struct {
	enabled      bool
	listing      string
	file         string
	lastModified string
}

// app holds everything a command needs, built once in PersistentPreRunE.
type app struct {
	dno  string
	stub stubFlags

	cfg       config.Config
	logger    *logging.Logger
	registry  *prometheus.Registry
	metrics   *metrics.AcquisitionMetrics
	raw       storage.Store
	staging   storage.Store
	publisher events.Publisher
	shutdown  func(context.Context) error
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.NewDefaultLogger(serviceName)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.NewAcquisitionMetrics(serviceName, a.registry)

	ctx := cmd.Context()
	if a.shutdown, err = tracing.InitTracer(ctx, cfg.OtelCollectorAddr, serviceName); err != nil {
		return err
	}
	if a.raw, err = storage.New(ctx, cfg.RawFilesURL, cfg.S3); err != nil {
		return fmt.Errorf("raw storage: %w", err)
	}
	if a.staging, err = storage.New(ctx, cfg.StagingFilesURL, cfg.S3); err != nil {
		return fmt.Errorf("staging storage: %w", err)
	}

	a.publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		if a.publisher, err = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, a.logger); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

func (a *app) clientOptions() client.Options {
	return client.OptionsFromConfig(a.cfg, a.logger, a.metrics)
}

func (a *app) stubLastModified() (*time.Time, error) {
	if a.stub.lastModified == "" {
		return nil, nil
	}
	t, err := core.ParseTimestampUTC(a.stub.lastModified)
	if err != nil {
		return nil, &core.ConfigurationError{Key: "stub-last-modified", Msg: err.Error()}
	}
	return &t, nil
}

// client builds the live or stub client for dno.
func (a *app) client(dno core.DNO) (client.Client, client.ResourceURLs, error) {
	opts := a.clientOptions()
	urls := client.ResourceURLs{
		PostcodeMapping:      a.cfg.SSEN.PostcodeMappingURL,
		TransformerLoadModel: a.cfg.SSEN.TransformerLoadModelURL,
	}
	switch dno {
	case core.SSEN:
		if !a.stub.enabled {
			c := client.NewSSENLive(a.cfg.SSEN, opts)
			return c, c.URLs(), nil
		}
		modified, err := a.stubLastModified()
		if err != nil {
			return nil, urls, err
		}
		return client.NewSSENStub(client.SSENStubConfig{
			ListingFile:    a.stub.listing,
			FileToDownload: a.stub.file,
			LastModified:   modified,
			Datasets:       a.cfg.SSEN.Datasets,
			URLs:           urls,
		}, opts), urls, nil
	case core.NGED:
		if a.stub.enabled {
			return client.NewNGEDStub(client.NGEDStubConfig{DatapackageFile: a.stub.listing, FileToDownload: a.stub.file}, opts), urls, nil
		}
		return client.NewNGEDLive(a.cfg.NGED, opts), urls, nil
	case core.ONS:
		if a.stub.enabled {
			return client.NewONSStub(a.stub.file, opts), urls, nil
		}
		if a.cfg.ONSPDURL == "" {
			return nil, urls, &core.ConfigurationError{Key: "onspd_url", Msg: "must be set"}
		}
		return client.NewONSLive(a.cfg.ONSPDURL, opts), urls, nil
	default:
		return nil, urls, &core.ConfigurationError{Key: "dno", Msg: fmt.Sprintf("no client for %q", dno)}
	}
}

func (a *app) pipeline(dno core.DNO) (*pipeline.Pipeline, client.ResourceURLs, error) {
	c, urls, err := a.client(dno)
	if err != nil {
		return nil, urls, err
	}
	partition := catalog.MonthPartition
	if dno == core.NGED {
		partition = catalog.PartPartition
	}
	return pipeline.New(dno, c, a.raw, pipeline.Options{
		Publisher: a.publisher,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Workers:   a.cfg.Workers,
		Partition: partition,
	}), urls, nil
}

func (a *app) selected() (*pipeline.Pipeline, client.ResourceURLs, error) {
	return a.pipeline(core.DNO(a.dno))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
