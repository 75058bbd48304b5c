package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/events"
	"github.com/razvanmarinn/weave/internal/monthly"
	"github.com/razvanmarinn/weave/internal/pipeline"
	"github.com/razvanmarinn/weave/internal/server"
)

// newRootCmd returns the command tree and the app it populates. The caller
// closes the app after Execute.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:          "weave",
		Short:        "Acquire and normalize DNO open data",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.dno, "dno", string(core.SSEN), "network operator: ssen, nged or ons")
	pf.BoolVar(&a.stub.enabled, "stub", false, "serve from local fixture files instead of the network")
	pf.StringVar(&a.stub.listing, "stub-listing", "", "catalog fixture for --stub")
	pf.StringVar(&a.stub.file, "stub-file", "", "file every --stub download returns")
	pf.StringVar(&a.stub.lastModified, "stub-last-modified", "", "upstream last-modified time for --stub")

	root.AddCommand(
		newListCmd(a),
		newAcquireCmd(a),
		newAcquireNewCmd(a),
		newResourcesCmd(a),
		newLookupsCmd(a),
		newMonthlyCmd(a),
		newFreshnessCmd(a),
		newServeCmd(a),
	)
	return root, a
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the files the upstream catalog publishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := a.selected()
			if err != nil {
				return err
			}
			files, err := p.Files(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), files)
		},
	}
}

func newAcquireCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire URL...",
		Short: "Download files into raw storage, gzip compressed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := a.selected()
			if err != nil {
				return err
			}
			evs, err := p.AcquireAll(cmd.Context(), args)
			if werr := writeJSON(cmd.OutOrStdout(), acquired(evs)); werr != nil {
				return werr
			}
			return err
		},
	}
}

func newAcquireNewCmd(a *app) *cobra.Command {
	var cursor string
	cmd := &cobra.Command{
		Use:   "acquire-new",
		Short: "Download every catalog file published after the cursor",
		Long: "The cursor is the last filename acquired, or for nged an RFC 3339 creation time.\n" +
			"The next cursor is printed only when every new file was stored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := a.selected()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if p.DNO() != core.NGED {
				evs, next, err := p.AcquireNew(ctx, cursor)
				if werr := writeJSON(cmd.OutOrStdout(), map[string]any{"acquired": acquired(evs), "next_cursor": next}); werr != nil {
					return werr
				}
				return err
			}

			since, err := parseCreatedCursor(cursor)
			if err != nil {
				return err
			}
			urls, nextTime, err := p.NewFilesCreated(ctx, since)
			if err != nil {
				return err
			}
			next := cursor
			evs, err := p.AcquireAll(ctx, urls)
			if err == nil && !nextTime.IsZero() {
				next = formatCreatedCursor(nextTime)
			}
			if werr := writeJSON(cmd.OutOrStdout(), map[string]any{"acquired": acquired(evs), "next_cursor": next}); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "last cursor returned by a previous run")
	return cmd
}

// Creation-time cursors keep sub-second precision. CKAN publishes
// microseconds, and a truncated cursor sorts before the newest file.
func formatCreatedCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseCreatedCursor(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &core.ConfigurationError{Key: "cursor", Msg: err.Error()}
	}
	return t, nil
}

func newResourcesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Download and check the non-dated resources of the selected dno",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, urls, err := a.selected()
			if err != nil {
				return err
			}
			type job struct {
				url string
				res pipeline.Resource
			}
			var jobs []job
			switch p.DNO() {
			case core.SSEN:
				jobs = []job{{urls.PostcodeMapping, pipeline.PostcodeMapping}, {urls.TransformerLoadModel, pipeline.TransformerLoadModel}}
			case core.ONS:
				files, err := p.Files(cmd.Context())
				if err != nil {
					return err
				}
				for _, f := range files {
					jobs = append(jobs, job{f.URL, pipeline.ONSPD})
				}
			default:
				return &core.ConfigurationError{Key: "dno", Msg: fmt.Sprintf("%s publishes no resources", p.DNO())}
			}

			var out []pipeline.Materialization
			var errs []error
			for _, j := range jobs {
				m, err := p.Materialize(cmd.Context(), j.url, j.res)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				out = append(out, m)
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

func newLookupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lookups",
		Short: "Build the substation location lookups monthly joins against",
		Long: "Reads the acquired transformer load model, postcode mapping and ONSPD from raw\n" +
			"storage. Run resources for ssen and ons first. The postcode lookup is skipped\n" +
			"when the mapping or ONSPD is missing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := monthly.NewBuilder(a.raw, a.staging, a.logger, a.metrics).BuildLookups(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newMonthlyCmd(a *app) *cobra.Command {
	var noLocations bool
	cmd := &cobra.Command{
		Use:   "monthly YYYY-MM-01",
		Short: "Build the monthly parquet file for an SSEN partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var lookup monthly.Lookup
			if !noLocations {
				var err error
				if lookup, err = monthly.LoadLookup(ctx, a.staging); err != nil {
					return err
				}
			}
			res, err := monthly.NewBuilder(a.raw, a.staging, a.logger, a.metrics).Build(ctx, args[0], lookup)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&noLocations, "no-locations", false, "keep the published substation locations instead of joining the lookup")
	return cmd
}

func newFreshnessCmd(a *app) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "freshness DATASET",
		Short: "Report when a dataset last changed upstream and whether it is stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := a.selected()
			if err != nil {
				return err
			}
			materialized := time.Now().UTC()
			if since != "" {
				if materialized, err = time.Parse(time.RFC3339, since); err != nil {
					return &core.ConfigurationError{Key: "since", Msg: err.Error()}
				}
			}
			f, err := p.CheckFreshness(cmd.Context(), args[0], materialized)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time the dataset was last materialized (default now)")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve catalog, freshness and acquisition over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dnos := []core.DNO{core.SSEN, core.NGED, core.ONS}
			if a.stub.enabled {
				dnos = []core.DNO{core.DNO(a.dno)}
			}
			pipelines := make(map[core.DNO]*pipeline.Pipeline, len(dnos))
			for _, dno := range dnos {
				p, _, err := a.pipeline(dno)
				if err != nil {
					a.logger.WithDNO(dno.String()).Warn("Not serving dno", zap.Error(err))
					continue
				}
				pipelines[dno] = p
			}

			router := server.SetupRouter(server.Deps{
				Pipelines: pipelines,
				Logger:    a.logger,
				Metrics:   a.metrics,
				Gatherer:  a.registry,
				Service:   serviceName,
			})
			srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			a.logger.Info("HTTP server listening", zap.String("addr", a.cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

type acquiredFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Partition string `json:"partition,omitempty"`
	Bytes     int64  `json:"bytes"`
}

func acquired(evs []events.AcquisitionEvent) []acquiredFile {
	out := make([]acquiredFile, 0, len(evs))
	for _, ev := range evs {
		if ev.ID == "" {
			continue
		}
		out = append(out, acquiredFile{ID: ev.ID, Filename: ev.Filename, Path: ev.Path, Partition: ev.Partition, Bytes: ev.Bytes})
	}
	return out
}
