package monthly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/tabular"
	"github.com/razvanmarinn/weave/pkg/tracing"
)

// Raw resources the location lookups are built from.
const (
	PostcodeMappingFile      = "lv_feeder_postcode_mapping.csv.gz"
	TransformerLoadModelFile = "transformer_load_model.zip"
	ONSPDFile                = "onspd.zip"
)

// MaxSpreadMeters is how far a postcode point may lie from its substation's
// centroid before the substation is left out of the postcode lookup.
const MaxSpreadMeters = 100.0

// LookupDataset labels location lookup logs.
const LookupDataset = "ssen_substation_location_lookup"

// minPostcodeLength is the shortest valid UK postcode without spaces.
const minPostcodeLength = 5

type LookupResult struct {
	LoadModelSubstations int `json:"load_model_substations"`
	PostcodeSubstations  int `json:"postcode_substations"`
	// InvalidPostcodes counts mapping rows dropped for an unusable postcode.
	InvalidPostcodes int `json:"invalid_postcodes"`
	// UnmatchedPostcodes counts distinct mapping postcodes absent from ONSPD.
	UnmatchedPostcodes int `json:"unmatched_postcodes"`
	// Excluded counts substations whose points spread too far.
	Excluded int      `json:"excluded"`
	Skipped  []string `json:"skipped,omitempty"`
}

// BuildLookups writes both location lookup files to staging from the raw
// transformer load model, postcode mapping and ONSPD files. The load model is
// required. The postcode lookup is skipped, and reported, when the mapping or
// ONSPD has not been acquired.
func (b *Builder) BuildLookups(ctx context.Context) (LookupResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "monthly.lookups")
	defer span.End()

	var res LookupResult
	model, err := b.readRaw(ctx, core.SSEN, TransformerLoadModelFile, func(r io.Reader) (*tabular.Table, error) {
		return tabular.ReadTransformerLoadModel(r, "full_nrn", "latitude", "longitude")
	})
	if err != nil {
		return res, err
	}
	loadModel := LoadModelLocations(model)
	if err := b.writeLookup(ctx, LoadModelLookupFile, loadModel); err != nil {
		return res, err
	}
	res.LoadModelSubstations = len(loadModel)

	mapping, err := b.readRaw(ctx, core.SSEN, PostcodeMappingFile, tabular.ReadPostcodeMapping)
	if errors.Is(err, os.ErrNotExist) {
		res.Skipped = append(res.Skipped, FeederPostcodeLookupFile)
		b.Logger.Warn("Postcode mapping not acquired, skipping postcode lookup", zap.String("file", PostcodeMappingFile))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	onspd, err := b.readRaw(ctx, core.ONS, ONSPDFile, tabular.ReadONSPD)
	if errors.Is(err, os.ErrNotExist) {
		res.Skipped = append(res.Skipped, FeederPostcodeLookupFile)
		b.Logger.Warn("ONSPD not acquired, skipping postcode lookup", zap.String("file", ONSPDFile))
		return res, nil
	}
	if err != nil {
		return res, err
	}

	postcodes, stats, err := PostcodeLocations(mapping, onspd)
	if err != nil {
		return res, err
	}
	if err := b.writeLookup(ctx, FeederPostcodeLookupFile, postcodes); err != nil {
		return res, err
	}
	res.PostcodeSubstations = len(postcodes)
	res.InvalidPostcodes = stats.InvalidPostcodes
	res.UnmatchedPostcodes = stats.UnmatchedPostcodes
	res.Excluded = stats.Excluded

	b.Logger.WithDataset(LookupDataset).Info("Location lookups built",
		zap.Int("load_model_substations", res.LoadModelSubstations),
		zap.Int("postcode_substations", res.PostcodeSubstations),
		zap.Int("excluded", res.Excluded),
	)
	return res, nil
}

func (b *Builder) readRaw(ctx context.Context, dno core.DNO, filename string, parse func(io.Reader) (*tabular.Table, error)) (*tabular.Table, error) {
	r, err := b.Raw.Open(ctx, dno, filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer r.Close()
	return parse(r)
}

func (b *Builder) writeLookup(ctx context.Context, filename string, lookup Lookup) error {
	w, err := b.Staging.Create(ctx, core.SSEN, filename)
	if err != nil {
		return err
	}
	werr := WriteLookup(w, lookup)
	if err := errors.Join(werr, w.Close()); err != nil {
		if derr := b.Staging.Delete(context.WithoutCancel(ctx), core.SSEN, filename); derr != nil {
			b.Logger.WithError(derr).Warn("Failed to remove partial lookup", zap.String("file", filename))
		}
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// LoadModelLocations maps each full_nrn of a transformer load model to its
// "latitude,longitude". Rows missing either coordinate are skipped.
func LoadModelLocations(t *tabular.Table) Lookup {
	nrn, lat, long := t.Column("full_nrn"), t.Column("latitude"), t.Column("longitude")
	lookup := make(Lookup)
	if nrn == nil || lat == nil || long == nil {
		return lookup
	}
	for i := 0; i < t.NumRows; i++ {
		if nrn.IsNull(i) || lat.IsNull(i) || long.IsNull(i) || nrn.Strings[i] == "" {
			continue
		}
		if _, ok := lookup[nrn.Strings[i]]; ok {
			continue
		}
		lookup[nrn.Strings[i]] = formatLocation(point{lat: lat.Floats[i], long: long.Floats[i]})
	}
	return lookup
}

type PostcodeStats struct {
	InvalidPostcodes   int
	UnmatchedPostcodes int
	Excluded           int
}

type point struct{ lat, long float64 }

// PostcodeLocations locates substations from the postcodes their feeders
// serve. Mapping postcodes are standardised and joined to ONSPD; each
// substation, keyed {primary_substation_id}_{hv_feeder_id}_{secondary_substation_id},
// takes the centroid of its distinct points. Substations with a point more
// than MaxSpreadMeters from that centroid are excluded.
func PostcodeLocations(mapping, onspd *tabular.Table) (Lookup, PostcodeStats, error) {
	var stats PostcodeStats
	cols := make(map[string]*tabular.Column, 4)
	for _, name := range []string{"postcode", "primary_substation_id", "hv_feeder_id", "secondary_substation_id"} {
		c := mapping.Column(name)
		if c == nil || c.Type != tabular.String {
			return nil, stats, &core.StructuralError{Op: "build postcode lookup", Subject: PostcodeMappingFile, Expected: "string column " + name, Actual: "missing"}
		}
		cols[name] = c
	}
	pcd, lat, long := onspd.Column("pcd"), onspd.Column("lat"), onspd.Column("long")
	if pcd == nil || lat == nil || long == nil {
		return nil, stats, &core.StructuralError{Op: "build postcode lookup", Subject: ONSPDFile, Expected: "columns pcd, lat, long", Actual: "missing"}
	}

	located := make(map[string]point, onspd.NumRows)
	for i := 0; i < onspd.NumRows; i++ {
		if pcd.IsNull(i) || lat.IsNull(i) || long.IsNull(i) {
			continue
		}
		located[StandardisePostcode(pcd.Strings[i])] = point{lat: lat.Floats[i], long: long.Floats[i]}
	}

	points := make(map[string]map[point]struct{})
	unmatched := make(map[string]struct{})
	for i := 0; i < mapping.NumRows; i++ {
		postcode := StandardisePostcode(cols["postcode"].Strings[i])
		if len(postcode) < minPostcodeLength {
			stats.InvalidPostcodes++
			continue
		}
		p, ok := located[postcode]
		if !ok {
			unmatched[postcode] = struct{}{}
			continue
		}
		nrn := cols["primary_substation_id"].Strings[i] + "_" + cols["hv_feeder_id"].Strings[i] + "_" + cols["secondary_substation_id"].Strings[i]
		if points[nrn] == nil {
			points[nrn] = make(map[point]struct{})
		}
		points[nrn][p] = struct{}{}
	}
	stats.UnmatchedPostcodes = len(unmatched)

	lookup := make(Lookup, len(points))
	for nrn, set := range points {
		c, ok := centroid(set)
		if !ok {
			stats.Excluded++
			continue
		}
		lookup[nrn] = formatLocation(c)
	}
	return lookup, stats, nil
}

// StandardisePostcode removes all whitespace and upper-cases.
func StandardisePostcode(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// centroid returns the mean of set, and false when a point lies more than
// MaxSpreadMeters from it.
func centroid(set map[point]struct{}) (point, bool) {
	ps := make([]point, 0, len(set))
	for p := range set {
		ps = append(ps, p)
	}
	// Summation order must not depend on map iteration.
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].lat != ps[j].lat {
			return ps[i].lat < ps[j].lat
		}
		return ps[i].long < ps[j].long
	})

	var c point
	for _, p := range ps {
		c.lat += p.lat
		c.long += p.long
	}
	c.lat /= float64(len(ps))
	c.long /= float64(len(ps))

	for _, p := range ps {
		if distanceMeters(c, p) > MaxSpreadMeters {
			return c, false
		}
	}
	return c, true
}

// distanceMeters is an equirectangular approximation, accurate to well under
// a metre at substation scale.
func distanceMeters(a, b point) float64 {
	const earthRadius = 6371008.8
	rad := math.Pi / 180
	x := (b.long - a.long) * rad * math.Cos((a.lat+b.lat)/2*rad)
	y := (b.lat - a.lat) * rad
	return math.Hypot(x, y) * earthRadius
}

func formatLocation(p point) string {
	return strconv.FormatFloat(p.lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.long, 'f', -1, 64)
}
