// Package archive locates members inside zip archives, including zips nested
// inside other zips.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"regexp"

	"github.com/klauspost/compress/zip"

	"github.com/razvanmarinn/weave/internal/core"
)

const outermost = "<outer archive>"

// OpenNested reads r fully, opens it as a zip and follows path: every name
// but the last must be a member that is itself a zip, the last is returned as
// a decompressing stream. Member names are matched exactly.
func OpenNested(r io.Reader, path ...string) (io.ReadCloser, error) {
	if len(path) == 0 {
		return nil, &core.StructuralError{Op: "open archive member", Subject: outermost, Expected: "at least one member name"}
	}

	zr, err := readZip(r, outermost)
	if err != nil {
		return nil, err
	}

	level := outermost
	last := len(path) - 1
	for depth, name := range path[:last] {
		rc, err := openMember(zr, name, level, depth)
		if err != nil {
			return nil, err
		}
		zr, err = readZip(rc, name)
		rc.Close()
		if err != nil {
			return nil, err
		}
		level = name
	}
	return openMember(zr, path[last], level, last)
}

func openMember(zr *zip.Reader, name, level string, depth int) (io.ReadCloser, error) {
	f := find(zr, func(n string) bool { return n == name })
	if f == nil {
		return nil, missingMember(name, level, depth)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &core.StructuralError{Op: "open archive member", Subject: name, Err: err}
	}
	return rc, nil
}

// OpenMatching returns the first member of the zip in r whose name matches
// pattern.
func OpenMatching(r io.Reader, pattern *regexp.Regexp) (io.ReadCloser, string, error) {
	zr, err := readZip(r, outermost)
	if err != nil {
		return nil, "", err
	}
	f := find(zr, pattern.MatchString)
	if f == nil {
		return nil, "", &core.StructuralError{
			Op:       "open archive member",
			Subject:  pattern.String(),
			Expected: "a member matching the pattern",
			Actual:   fmt.Sprintf("none among %d members", len(zr.File)),
		}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, "", &core.StructuralError{Op: "open archive member", Subject: f.Name, Err: err}
	}
	return rc, f.Name, nil
}

// readZip buffers r because the central directory lives at the end of the
// archive and needs random access.
func readZip(r io.Reader, name string) (*zip.Reader, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", name, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, &core.StructuralError{Op: "open archive", Subject: name, Expected: "zip archive", Err: err}
	}
	return zr, nil
}

func find(zr *zip.Reader, match func(string) bool) *zip.File {
	for _, f := range zr.File {
		if match(f.Name) {
			return f
		}
	}
	return nil
}

func missingMember(name, level string, depth int) error {
	return &core.StructuralError{
		Op:       "open archive member",
		Subject:  name,
		Expected: fmt.Sprintf("member of %s (level %d)", level, depth),
		Actual:   "absent",
	}
}
