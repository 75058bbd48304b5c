// Package catalog turns upstream file listings into sorted AvailableFile
// collections and derives month partition keys from file names.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/razvanmarinn/weave/internal/core"
)

var ngedFilenamePattern = regexp.MustCompile(`^aggregated-smart-meter-data-lv-feeder-\d{4}-\d{2}-part\d{4}\.csv$`)

// FilenameForURL returns the final path segment of url.
func FilenameForURL(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

type ssenListing struct {
	Objects []struct {
		DownloadLink string `json:"downloadLink"`
	} `json:"objects"`
}

// MapSSENListing decodes an SSEN file listing of the form
// {"objects":[{"downloadLink":"..."}]}.
func MapSSENListing(r io.Reader) ([]core.AvailableFile, error) {
	var listing ssenListing
	if err := json.NewDecoder(r).Decode(&listing); err != nil {
		return nil, &core.StructuralError{Op: "decode listing", Subject: "objects", Err: err}
	}

	files := make([]core.AvailableFile, 0, len(listing.Objects))
	for i, o := range listing.Objects {
		if o.DownloadLink == "" {
			return nil, &core.StructuralError{
				Op:       "decode listing",
				Subject:  fmt.Sprintf("objects[%d]", i),
				Expected: "downloadLink",
				Actual:   "missing",
			}
		}
		files = append(files, core.AvailableFile{
			Filename: FilenameForURL(o.DownloadLink),
			URL:      o.DownloadLink,
		})
	}
	return normalize(files), nil
}

type ckanDatapackage struct {
	Resources []struct {
		URL     string `json:"url"`
		Created string `json:"created"`
	} `json:"resources"`
}

// MapCKANDatapackage decodes an NGED datapackage.json, keeping only the LV
// feeder part files.
func MapCKANDatapackage(r io.Reader) ([]core.AvailableFile, error) {
	var pkg ckanDatapackage
	if err := json.NewDecoder(r).Decode(&pkg); err != nil {
		return nil, &core.StructuralError{Op: "decode datapackage", Subject: "resources", Err: err}
	}

	files := make([]core.AvailableFile, 0, len(pkg.Resources))
	for _, res := range pkg.Resources {
		filename := FilenameForURL(res.URL)
		if !ngedFilenamePattern.MatchString(filename) {
			continue
		}
		created, err := core.ParseTimestampUTC(res.Created)
		if err != nil {
			return nil, &core.StructuralError{Op: "parse created", Subject: filename, Expected: "ISO-8601 timestamp", Actual: res.Created}
		}
		files = append(files, core.AvailableFile{Filename: filename, URL: res.URL, Created: &created})
	}
	return normalize(files), nil
}

// normalize de-duplicates by filename, keeping the first occurrence, and
// sorts ascending by filename.
func normalize(files []core.AvailableFile) []core.AvailableFile {
	seen := make(map[string]struct{}, len(files))
	out := files[:0]
	for _, f := range files {
		if _, ok := seen[f.Filename]; ok {
			continue
		}
		seen[f.Filename] = struct{}{}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// NewSince returns the URLs of files whose filename sorts after cursor, and
// the cursor to store for the next poll. files must already be sorted.
func NewSince(files []core.AvailableFile, cursor string) ([]string, string) {
	var urls []string
	next := cursor
	for _, f := range files {
		if f.Filename > cursor {
			urls = append(urls, f.URL)
			next = f.Filename
		}
	}
	return urls, next
}

// CreatedSince is NewSince keyed on the Created timestamp. Files without a
// Created time are never reported.
func CreatedSince(files []core.AvailableFile, cursor time.Time) ([]string, time.Time) {
	var urls []string
	next := cursor
	for _, f := range files {
		if f.Created == nil || !f.Created.After(cursor) {
			continue
		}
		urls = append(urls, f.URL)
		if f.Created.After(next) {
			next = *f.Created
		}
	}
	return urls, next
}
