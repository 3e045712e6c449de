package main

import (
	"testing"

	"github.com/paulmach/orb"
)

// recordForTile builds a source whose mercator footprint is exactly
// one tile, shrunk slightly to avoid edge-sharing neighbors.
func recordForTile(c TileCoord, rank int) *SourceRecord {
	left, bottom, right, top := c.mercatorBounds()
	shrink := (right - left) / 1000
	return &SourceRecord{
		Path:      c.String(),
		Left:      left + shrink,
		Bottom:    bottom + shrink,
		Right:     right - shrink,
		Top:       top - shrink,
		Width:     512,
		Height:    512,
		PixelSize: (right - left) / 512,
		Rank:      rank,
	}
}

func collectCandidates(t *testing.T, e *enumerator, minZoom, maxZoom int, bbox *orb.Bound) []CandidateTile {
	t.Helper()
	out := make(chan CandidateTile, 1024)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.enumerate(minZoom, maxZoom, bbox, out, nil)
	}()
	var tiles []CandidateTile
	for tile := range out {
		tiles = append(tiles, tile)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	return tiles
}

func TestEnumerateEmitsOnlyIntersectingTiles(t *testing.T) {
	target := TileCoord{Z: 8, X: 220, Y: 100}
	record := recordForTile(target, 0)
	e := newEnumerator(newSourceIndex([]*SourceRecord{record}), 0)

	tiles := collectCandidates(t, e, 8, 8, nil)
	if len(tiles) == 0 {
		t.Fatal("no candidates emitted")
	}
	found := false
	for _, tile := range tiles {
		if tile.Coord == target {
			found = true
		}
		left, bottom, right, top := tile.Coord.mercatorBounds()
		if !record.intersects(left, bottom, right, top) {
			t.Fatalf("emitted tile %s does not intersect the source", tile.Coord)
		}
		if len(tile.Sources) != 1 {
			t.Fatalf("tile %s carries %d sources, want 1", tile.Coord, len(tile.Sources))
		}
	}
	if !found {
		t.Fatalf("target tile %s missing from candidates", target)
	}
}

func TestEnumerateCoversParentZooms(t *testing.T) {
	target := TileCoord{Z: 8, X: 220, Y: 100}
	record := recordForTile(target, 0)
	e := newEnumerator(newSourceIndex([]*SourceRecord{record}), 0)

	// below coarseZoom the bucket grid cannot prune; the parent tiles
	// of the source must still come out
	tiles := collectCandidates(t, e, 2, 3, nil)
	want := map[TileCoord]bool{
		{Z: 2, X: target.X >> 6, Y: target.Y >> 6}: false,
		{Z: 3, X: target.X >> 5, Y: target.Y >> 5}: false,
	}
	for _, tile := range tiles {
		if _, ok := want[tile.Coord]; ok {
			want[tile.Coord] = true
		}
	}
	for c, seen := range want {
		if !seen {
			t.Fatalf("parent tile %s missing from candidates", c)
		}
	}
}

func TestEnumerateSortsSourcesByPriority(t *testing.T) {
	target := TileCoord{Z: 8, X: 220, Y: 100}
	low := recordForTile(target, 5)
	high := recordForTile(target, 1)
	e := newEnumerator(newSourceIndex([]*SourceRecord{low, high}), 0)

	tiles := collectCandidates(t, e, 8, 8, nil)
	for _, tile := range tiles {
		if tile.Coord == target {
			if len(tile.Sources) != 2 || tile.Sources[0] != high {
				t.Fatalf("sources not in priority order for %s", tile.Coord)
			}
			return
		}
	}
	t.Fatalf("target tile %s missing", target)
}

func TestCoverageRejectsDisjointBBox(t *testing.T) {
	record := recordForTile(TileCoord{Z: 8, X: 220, Y: 100}, 0)
	e := newEnumerator(newSourceIndex([]*SourceRecord{record}), 0)

	union := e.index.unionBoundWGS84()
	disjoint := orb.Bound{
		Min: orb.Point{union.Max[0] + 10, union.Max[1] + 1},
		Max: orb.Point{union.Max[0] + 20, union.Max[1] + 2},
	}
	if _, err := e.coverage(&disjoint); err == nil {
		t.Fatal("expected an error for a bbox outside the coverage")
	}
}

func TestEstimateTotalPositive(t *testing.T) {
	record := recordForTile(TileCoord{Z: 8, X: 220, Y: 100}, 0)
	e := newEnumerator(newSourceIndex([]*SourceRecord{record}), 0)
	if total := e.estimateTotal(0, 8, nil); total <= 0 {
		t.Fatalf("estimateTotal = %d, want > 0", total)
	}
}
