package main

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// coarseZoom is the fixed bucket zoom of the candidate index. It is
// independent of the requested output zoom range: buckets only prune
// the source list before the precise per-tile intersection test.
const coarseZoom = 5

// CandidateTile 候选瓦片: a coordinate plus the intersecting sources,
// most trusted first. Produced lazily, never persisted.
type CandidateTile struct {
	Coord   TileCoord
	Sources []*SourceRecord
}

// Progress carries monotonically increasing enumeration counters.
type Progress struct {
	Enumerated int64 // tiles checked so far
	Emitted    int64 // candidate tiles with at least one source
	Estimated  int64 // estimated total tiles to check
}

type enumerator struct {
	index    *SourceIndex
	buckets  map[maptile.Tile][]*SourceRecord
	interval int64
}

// newEnumerator builds the coarse bucket grid once; enumerate can then
// be re-invoked per zoom group without re-reading source metadata.
func newEnumerator(index *SourceIndex, progressInterval int) *enumerator {
	buckets := make(map[maptile.Tile][]*SourceRecord)
	for _, record := range index.records {
		cover := clampBound(record.boundWGS84())
		x0, y0, x1, y1 := tileRange(cover, coarseZoom)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				key := maptile.New(x, y, coarseZoom)
				buckets[key] = append(buckets[key], record)
			}
		}
	}
	return &enumerator{
		index:    index,
		buckets:  buckets,
		interval: int64(progressInterval),
	}
}

// coverage clamps an optional WGS84 area filter to the union coverage.
func (e *enumerator) coverage(bbox *orb.Bound) (orb.Bound, error) {
	union := e.index.unionBoundWGS84()
	if bbox == nil {
		return union, nil
	}
	clipped := orb.Bound{
		Min: orb.Point{maxf(bbox.Min[0], union.Min[0]), maxf(bbox.Min[1], union.Min[1])},
		Max: orb.Point{minf(bbox.Max[0], union.Max[0]), minf(bbox.Max[1], union.Max[1])},
	}
	if clipped.Min[0] >= clipped.Max[0] || clipped.Min[1] >= clipped.Max[1] {
		return orb.Bound{}, fmt.Errorf("requested bbox does not overlap source coverage")
	}
	return clipped, nil
}

// estimateTotal estimates the tile count of one enumeration for ETA
// reporting. Scheduling only, never used for correctness.
func (e *enumerator) estimateTotal(minZoom, maxZoom int, bbox *orb.Bound) int64 {
	bound, err := e.coverage(bbox)
	if err != nil {
		return 0
	}
	var total int64
	for z := minZoom; z <= maxZoom; z++ {
		total += countTilesAtZoom(bound, uint32(z))
	}
	return total
}

// enumerate walks the requested zoom range in (z, x, y) order and
// sends every tile that intersects at least one source. Tiles with no
// intersecting source are skipped, not emitted. The out channel is
// closed when the walk finishes.
func (e *enumerator) enumerate(minZoom, maxZoom int, bbox *orb.Bound, out chan<- CandidateTile, report func(Progress)) error {
	defer close(out)

	bound, err := e.coverage(bbox)
	if err != nil {
		return err
	}

	progress := Progress{Estimated: e.estimateTotal(minZoom, maxZoom, bbox)}
	for z := minZoom; z <= maxZoom; z++ {
		zoom := uint32(z)
		x0, y0, x1, y1 := tileRange(bound, zoom)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				progress.Enumerated++
				coord := TileCoord{Z: zoom, X: x, Y: y}

				var bucketRecords []*SourceRecord
				if zoom >= coarseZoom {
					shift := zoom - coarseZoom
					bucketRecords = e.buckets[maptile.New(x>>shift, y>>shift, coarseZoom)]
				} else {
					// below the bucket zoom one tile spans many
					// buckets; fall back to the full index
					bucketRecords = e.index.records
				}
				if len(bucketRecords) == 0 {
					e.tick(progress, report)
					continue
				}

				left, bottom, right, top := coord.mercatorBounds()
				var hits []*SourceRecord
				for _, record := range bucketRecords {
					if record.intersects(left, bottom, right, top) {
						hits = append(hits, record)
					}
				}
				if len(hits) == 0 {
					e.tick(progress, report)
					continue
				}
				sortByPriority(hits)

				progress.Emitted++
				out <- CandidateTile{Coord: coord, Sources: hits}
				e.tick(progress, report)
			}
		}
	}
	if report != nil {
		report(progress)
	}
	return nil
}

func (e *enumerator) tick(p Progress, report func(Progress)) {
	if report != nil && e.interval > 0 && p.Enumerated%e.interval == 0 {
		report(p)
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
