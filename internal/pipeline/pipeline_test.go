package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razvanmarinn/weave/internal/client"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/events"
	"github.com/razvanmarinn/weave/internal/storage"
	"github.com/razvanmarinn/weave/pkg/metrics"
)

const listing = `{"objects":[
	{"downloadLink":"https://x/LV_FEEDER_USAGE/2024-02-13.csv"},
	{"downloadLink":"https://x/LV_FEEDER_USAGE/2024-02-12.csv"},
	{"downloadLink":"https://x/LV_FEEDER_USAGE/2024-02-14.csv"}
]}`

const dailyCSV = "dataset_id,dno_alias\n000200200402,SSEN\n"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.AcquisitionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.AcquisitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// flakyClient fails downloads of urls containing fail after writing a few
// bytes.
type flakyClient struct {
	client.Client
	fail string
}

func (c flakyClient) Download(ctx context.Context, url string, sink io.Writer, compress bool) error {
	if c.fail != "" && strings.Contains(url, c.fail) {
		_, _ = sink.Write([]byte("partial"))
		return &core.TransportError{Op: "read", URL: url, Err: io.ErrUnexpectedEOF}
	}
	return c.Client.Download(ctx, url, sink, compress)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type fixture struct {
	raw       *storage.LocalStore
	publisher *recordingPublisher
	metrics   *metrics.AcquisitionMetrics
	pipeline  *Pipeline
}

func newFixture(t *testing.T, fail string) fixture {
	t.Helper()
	modified := time.Date(2024, 11, 30, 19, 53, 57, 0, time.UTC)
	stub := client.NewSSENStub(client.SSENStubConfig{
		ListingFile:    writeFile(t, "listing.json", listing),
		FileToDownload: writeFile(t, "day.csv", dailyCSV),
		LastModified:   &modified,
	}, client.Options{})

	f := fixture{
		raw:       storage.NewLocalStore(t.TempDir()),
		publisher: &recordingPublisher{},
		metrics:   metrics.NewAcquisitionMetrics("weave-test", prometheus.NewRegistry()),
	}
	f.pipeline = New(core.SSEN, flakyClient{Client: stub, fail: fail}, f.raw, Options{
		Publisher: f.publisher,
		Metrics:   f.metrics,
	})
	return f
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(b)
}

func TestAcquireFile(t *testing.T) {
	f := newFixture(t, "")

	ev, err := f.pipeline.AcquireFile(context.Background(), "https://x/LV_FEEDER_USAGE/2024-02-12.csv")
	require.NoError(t, err)

	path := f.raw.Path(core.SSEN, "2024-02-12.csv.gz")
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, dailyCSV, readGzip(t, path))
	assert.Equal(t, "2024-02-01", ev.Partition)
	assert.True(t, ev.Compressed)
	assert.Positive(t, ev.Bytes)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), ev.Bytes)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, ev.ID, f.publisher.events[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DownloadsTotal.WithLabelValues("ssen", metrics.StatusSuccess)))
	assert.Equal(t, float64(ev.Bytes), testutil.ToFloat64(f.metrics.DownloadBytesTotal.WithLabelValues("ssen")))
}

func TestAcquireFileFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, "2024-02-12")

	_, err := f.pipeline.AcquireFile(context.Background(), "https://x/LV_FEEDER_USAGE/2024-02-12.csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)

	_, statErr := os.Stat(f.raw.Path(core.SSEN, "2024-02-12.csv.gz"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DownloadsTotal.WithLabelValues("ssen", metrics.StatusFailure)))
}

// abortStore records how each writer from Create was finished.
type abortStore struct {
	*storage.LocalStore
	closed, aborted []error
}

type abortWriter struct {
	io.WriteCloser
	store *abortStore
}

func (w abortWriter) Close() error {
	w.store.closed = append(w.store.closed, nil)
	return w.WriteCloser.Close()
}

func (w abortWriter) CloseWithError(cause error) error {
	w.store.aborted = append(w.store.aborted, cause)
	return w.WriteCloser.Close()
}

func (s *abortStore) Create(ctx context.Context, dno core.DNO, filename string) (io.WriteCloser, error) {
	w, err := s.LocalStore.Create(ctx, dno, filename)
	if err != nil {
		return nil, err
	}
	return abortWriter{WriteCloser: w, store: s}, nil
}

func TestAcquireFileFailureAbortsUpload(t *testing.T) {
	f := newFixture(t, "2024-02-12")
	store := &abortStore{LocalStore: f.raw}
	p := New(core.SSEN, f.pipeline.client, store, Options{})

	_, err := p.AcquireFile(context.Background(), "https://x/LV_FEEDER_USAGE/2024-02-12.csv")
	require.Error(t, err)
	assert.Empty(t, store.closed, "a failed download never completes the upload")
	require.Len(t, store.aborted, 1)
	assert.ErrorIs(t, store.aborted[0], core.ErrTransport)

	_, err = p.AcquireFile(context.Background(), "https://x/LV_FEEDER_USAGE/2024-02-13.csv")
	require.NoError(t, err)
	assert.Len(t, store.closed, 1)
	assert.Len(t, store.aborted, 1)
}

func TestPublishFailureKeepsFile(t *testing.T) {
	f := newFixture(t, "")
	f.publisher.err = errors.New("broker down")

	_, err := f.pipeline.AcquireFile(context.Background(), "https://x/LV_FEEDER_USAGE/2024-02-12.csv")
	require.NoError(t, err)
	_, statErr := os.Stat(f.raw.Path(core.SSEN, "2024-02-12.csv.gz"))
	assert.NoError(t, statErr)
}

func TestAcquireAll(t *testing.T) {
	urls := []string{
		"https://x/LV_FEEDER_USAGE/2024-02-12.csv",
		"https://x/LV_FEEDER_USAGE/2024-02-13.csv",
		"https://x/LV_FEEDER_USAGE/2024-02-14.csv",
		"https://x/LV_FEEDER_USAGE/2024-02-15.csv",
	}

	t.Run("all succeed", func(t *testing.T) {
		f := newFixture(t, "")
		evs, err := f.pipeline.AcquireAll(context.Background(), urls)
		require.NoError(t, err)
		require.Len(t, evs, 4)
		for i, ev := range evs {
			assert.Equal(t, filepath.Base(urls[i])+".gz", ev.Filename)
		}
		assert.Len(t, f.publisher.events, 4)
	})

	t.Run("one failure does not stop the rest", func(t *testing.T) {
		f := newFixture(t, "2024-02-13")
		evs, err := f.pipeline.AcquireAll(context.Background(), urls)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2024-02-13.csv.gz")
		assert.Empty(t, evs[1].ID)
		assert.NotEmpty(t, evs[0].ID)
		assert.NotEmpty(t, evs[3].ID)
		assert.Len(t, f.publisher.events, 3)
	})

	t.Run("nothing to do", func(t *testing.T) {
		f := newFixture(t, "")
		evs, err := f.pipeline.AcquireAll(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, evs)
	})
}

func TestNewFiles(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	urls, next, err := f.pipeline.NewFiles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, urls, 3)
	assert.Equal(t, "2024-02-14.csv", next)

	urls, next, err = f.pipeline.NewFiles(ctx, "2024-02-12.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://x/LV_FEEDER_USAGE/2024-02-13.csv",
		"https://x/LV_FEEDER_USAGE/2024-02-14.csv",
	}, urls)
	assert.Equal(t, "2024-02-14.csv", next)
}

func TestAcquireNew(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, "")
	evs, next, err := f.pipeline.AcquireNew(ctx, "2024-02-13.csv")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "2024-02-14.csv", next)

	failing := newFixture(t, "2024-02-14")
	_, next, err = failing.pipeline.AcquireNew(ctx, "2024-02-12.csv")
	require.Error(t, err)
	assert.Equal(t, "2024-02-12.csv", next, "cursor holds when a file failed")
}

func TestFiles(t *testing.T) {
	f := newFixture(t, "")
	files, err := f.pipeline.Files(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "2024-02-12.csv", files[0].Filename)
	assert.Equal(t, "2024-02-01", files[0].Partition)
}

func TestCheckFreshness(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	before := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	got, err := f.pipeline.CheckFreshness(ctx, "ssen_lv_feeder_postcode_mapping", before)
	require.NoError(t, err)
	assert.True(t, got.Stale)
	require.NotNil(t, got.LastModified)

	after := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	got, err = f.pipeline.CheckFreshness(ctx, "ssen_lv_feeder_postcode_mapping", after)
	require.NoError(t, err)
	assert.False(t, got.Stale)
}

func TestMaterialize(t *testing.T) {
	mapping := "dataset_id,postcode,lv_feeder_name\n000200200402,AB1 2CD,Feeder 1\n000200200404,AB1 2CE,Feeder 2\n"
	stub := client.NewSSENStub(client.SSENStubConfig{FileToDownload: writeFile(t, "mapping.csv", mapping)}, client.Options{})
	raw := storage.NewLocalStore(t.TempDir())
	m := metrics.NewAcquisitionMetrics("weave-test", prometheus.NewRegistry())
	p := New(core.SSEN, stub, raw, Options{Metrics: m})

	got, err := p.Materialize(context.Background(), "https://x/postcode_mapping.csv", PostcodeMapping)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Rows)
	assert.Equal(t, []string{"dataset_id", "postcode", "lv_feeder_name"}, got.Columns)
	assert.Equal(t, raw.Path(core.SSEN, PostcodeMapping.Filename), got.Event.Path)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ParsedRowsTotal.WithLabelValues(PostcodeMapping.Dataset)))

	t.Run("unparseable resource stays stored", func(t *testing.T) {
		_, err := p.Materialize(context.Background(), "https://x/onspd.zip", ONSPD)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrStructural)
		_, statErr := os.Stat(raw.Path(core.SSEN, ONSPD.Filename))
		assert.NoError(t, statErr)
	})
}

func TestNewFilesCreated(t *testing.T) {
	datapackage := `{"resources":[
		{"url":"https://n/aggregated-smart-meter-data-lv-feeder-2024-01-part0000.csv","created":"2024-02-01T10:00:00"},
		{"url":"https://n/aggregated-smart-meter-data-lv-feeder-2024-02-part0000.csv","created":"2024-03-01T10:00:00"}
	]}`
	stub := client.NewNGEDStub(client.NGEDStubConfig{DatapackageFile: writeFile(t, "datapackage.json", datapackage)}, client.Options{})
	p := New(core.NGED, stub, storage.NewLocalStore(t.TempDir()), Options{})

	cursor := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	urls, next, err := p.NewFilesCreated(context.Background(), cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://n/aggregated-smart-meter-data-lv-feeder-2024-02-part0000.csv"}, urls)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), next)
}
