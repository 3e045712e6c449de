package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	log "github.com/sirupsen/logrus"
)

// SourceRecord 单个源栅格的元数据, loaded from bounds.csv. Bounds are
// in the output projection (EPSG:3857). Immutable once loaded.
type SourceRecord struct {
	Path      string
	Left      float64
	Bottom    float64
	Right     float64
	Top       float64
	Width     int
	Height    int
	PixelSize float64 // GSD in meters, worst axis
	Rank      int     // lower rank = higher trust
}

func (r *SourceRecord) intersects(left, bottom, right, top float64) bool {
	return !(r.Right <= left || r.Left >= right || r.Top <= bottom || r.Bottom >= top)
}

func (r *SourceRecord) boundWGS84() orb.Bound {
	min := project.Mercator.ToWGS84(orb.Point{r.Left, r.Bottom})
	max := project.Mercator.ToWGS84(orb.Point{r.Right, r.Top})
	return orb.Bound{Min: min, Max: max}
}

// loadBounds reads <dir>/bounds.csv with columns
// filename,left,bottom,right,top,width,height. Rows that reference a
// missing raster are skipped with a warning; malformed rows abort the
// run with a MetadataError.
func loadBounds(dir string, rank int) ([]*SourceRecord, error) {
	path := filepath.Join(dir, "bounds.csv")
	fp, err := os.Open(path)
	if err != nil {
		return nil, &MetadataError{File: path, Line: 0, Msg: err.Error()}
	}
	defer fp.Close()

	reader := csv.NewReader(fp)
	header, err := reader.Read()
	if err != nil {
		return nil, &MetadataError{File: path, Line: 1, Msg: "cannot read header"}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, name := range []string{"filename", "left", "bottom", "right", "top", "width", "height"} {
		if _, ok := col[name]; !ok {
			return nil, &MetadataError{File: path, Line: 1, Msg: "missing column " + name}
		}
	}

	parse := func(row []string, name string, line int) (float64, error) {
		v, err := strconv.ParseFloat(row[col[name]], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &MetadataError{File: path, Line: line, Msg: "bad " + name + " value"}
		}
		return v, nil
	}

	var records []*SourceRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &MetadataError{File: path, Line: line, Msg: err.Error()}
		}
		tif := filepath.Join(dir, row[col["filename"]])
		if _, err := os.Stat(tif); err != nil {
			log.Warnf("skipping missing source file %s", tif)
			continue
		}
		left, err := parse(row, "left", line)
		if err != nil {
			return nil, err
		}
		bottom, err := parse(row, "bottom", line)
		if err != nil {
			return nil, err
		}
		right, err := parse(row, "right", line)
		if err != nil {
			return nil, err
		}
		top, err := parse(row, "top", line)
		if err != nil {
			return nil, err
		}
		width, werr := strconv.Atoi(row[col["width"]])
		height, herr := strconv.Atoi(row[col["height"]])
		if werr != nil || herr != nil || width <= 0 || height <= 0 {
			return nil, &MetadataError{File: path, Line: line, Msg: "bad raster dimensions"}
		}

		spanX := math.Max(math.Abs(right-left), 1e-6)
		spanY := math.Max(math.Abs(top-bottom), 1e-6)
		records = append(records, &SourceRecord{
			Path:      tif,
			Left:      left,
			Bottom:    bottom,
			Right:     right,
			Top:       top,
			Width:     width,
			Height:    height,
			PixelSize: math.Max(spanX/float64(width), spanY/float64(height)),
			Rank:      rank,
		})
	}
	if len(records) == 0 {
		return nil, &MetadataError{File: path, Line: 0, Msg: "no usable source entries"}
	}
	return records, nil
}

// loadSources loads every source collection in priority order: the
// first directory gets rank 0 (most trusted).
func loadSources(dirs []string) ([]*SourceRecord, error) {
	var all []*SourceRecord
	for rank, dir := range dirs {
		records, err := loadBounds(dir, rank)
		if err != nil {
			return nil, err
		}
		log.Infof("loaded %d source records from %s (rank %d)", len(records), dir, rank)
		all = append(all, records...)
	}
	return all, nil
}

// SourceIndex answers spatial containment queries over the loaded
// records. Built once per run; records are read-only afterwards.
type SourceIndex struct {
	records []*SourceRecord
}

func newSourceIndex(records []*SourceRecord) *SourceIndex {
	return &SourceIndex{records: records}
}

// query returns all sources intersecting the Mercator box, most
// trusted first (rank ascending, finer GSD breaking ties).
func (ix *SourceIndex) query(left, bottom, right, top float64) []*SourceRecord {
	var hits []*SourceRecord
	for _, r := range ix.records {
		if r.intersects(left, bottom, right, top) {
			hits = append(hits, r)
		}
	}
	sortByPriority(hits)
	return hits
}

func sortByPriority(records []*SourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Rank != records[j].Rank {
			return records[i].Rank < records[j].Rank
		}
		return records[i].PixelSize < records[j].PixelSize
	})
}

// unionBoundWGS84 returns the combined coverage in lon/lat degrees.
func (ix *SourceIndex) unionBoundWGS84() orb.Bound {
	bound := ix.records[0].boundWGS84()
	for _, r := range ix.records[1:] {
		bound = bound.Union(r.boundWGS84())
	}
	return bound
}

func (ix *SourceIndex) finestPixelSize() float64 {
	finest := math.Inf(1)
	for _, r := range ix.records {
		if r.PixelSize < finest {
			finest = r.PixelSize
		}
	}
	return finest
}

// summary prints the bounds command output.
func (ix *SourceIndex) summary(w io.Writer) {
	b := ix.unionBoundWGS84()
	finest := ix.finestPixelSize()
	fmt.Fprintf(w, "sources: %d\n", len(ix.records))
	fmt.Fprintf(w, "coverage (wgs84): %.6f,%.6f,%.6f,%.6f\n", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	fmt.Fprintf(w, "finest gsd: %.2f m\n", finest)
	fmt.Fprintf(w, "recommended max zoom: %d\n", recommendedMaxZoom(finest))
}
