package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/pipeline"
	"github.com/razvanmarinn/weave/internal/storage"
)

type fixture struct {
	raw     string
	listing string
	file    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		raw:     filepath.Join(dir, "raw"),
		listing: filepath.Join(dir, "listing.json"),
		file:    filepath.Join(dir, "day.csv"),
	}
	require.NoError(t, os.WriteFile(f.listing, []byte(`{"objects":[{"downloadLink":"https://x/2024-02-12.csv"},{"downloadLink":"https://x/2024-02-13.csv"}]}`), 0o644))
	require.NoError(t, os.WriteFile(f.file, []byte("dataset_id\n000200200402\n"), 0o644))

	t.Setenv("WEAVE_CONFIG_FILE", "")
	t.Setenv("WEAVE_RAW_FILES_URL", f.raw)
	t.Setenv("WEAVE_STAGING_FILES_URL", filepath.Join(dir, "staging"))
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("OTEL_COLLECTOR_ADDR", "")
	return f
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	require.NoError(t, a.close(context.Background()))
	return out.String(), err
}

func TestListStub(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, "list", "--stub", "--stub-listing", f.listing, "--stub-file", f.file)
	require.NoError(t, err)

	var files []pipeline.File
	require.NoError(t, json.Unmarshal([]byte(out), &files))
	require.Len(t, files, 2)
	assert.Equal(t, "2024-02-01", files[0].Partition)
}

func TestAcquireStub(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, "acquire", "--stub", "--stub-listing", f.listing, "--stub-file", f.file, "https://x/2024-02-12.csv")
	require.NoError(t, err)

	var got []acquiredFile
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "2024-02-12.csv.gz", got[0].Filename)

	_, err = os.Stat(storage.NewLocalStore(f.raw).Path(core.SSEN, "2024-02-12.csv.gz"))
	assert.NoError(t, err)
}

func TestResourcesRejectsNGED(t *testing.T) {
	newFixture(t)

	_, err := run(t, "resources", "--dno", "nged", "--stub")
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUnknownDNO(t *testing.T) {
	newFixture(t)

	_, err := run(t, "list", "--dno", "enwl")
	assert.Error(t, err)
}

func TestAcquireNewNGEDCursorAdvances(t *testing.T) {
	f := newFixture(t)
	datapackage := filepath.Join(t.TempDir(), "datapackage.json")
	require.NoError(t, os.WriteFile(datapackage, []byte(`{"resources":[
		{"url":"https://n/aggregated-smart-meter-data-lv-feeder-2024-01-part0000.csv","created":"2024-11-30T19:53:57.016797"}
	]}`), 0o644))

	type result struct {
		Acquired   []acquiredFile `json:"acquired"`
		NextCursor string         `json:"next_cursor"`
	}
	acquireNew := func(cursor string) result {
		t.Helper()
		out, err := run(t, "acquire-new", "--dno", "nged", "--stub", "--stub-listing", datapackage, "--stub-file", f.file, "--cursor", cursor)
		require.NoError(t, err)
		var r result
		require.NoError(t, json.Unmarshal([]byte(out), &r))
		return r
	}

	first := acquireNew("")
	require.Len(t, first.Acquired, 1)
	assert.Equal(t, "2024-11-30T19:53:57.016797Z", first.NextCursor)

	second := acquireNew(first.NextCursor)
	assert.Empty(t, second.Acquired)
	assert.Equal(t, first.NextCursor, second.NextCursor)

	third := acquireNew("2024-11-30T19:53:57Z")
	assert.Len(t, third.Acquired, 1, "plain RFC 3339 cursors are still accepted")
}
