package main

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// Compositor fuses the resampled arrays of all sources covering one
// tile and encodes the result.
type Compositor struct {
	warper  Reprojector
	tracker *tracker
}

func newCompositor(warper Reprojector, tracker *tracker) *Compositor {
	return &Compositor{warper: warper, tracker: tracker}
}

// composite returns the encoded payload for a candidate tile, or nil
// when every source came back empty and the tile should be skipped.
//
// Fusion rule: start all-missing (NaN); apply sources most trusted
// first; a source only fills pixels that are still missing, never
// overwrites. Pixels no source covers become 0 m, a lossy convention
// of the pipeline rather than an error.
func (cp *Compositor) composite(tile CandidateTile) ([]byte, error) {
	merged := make([]float64, TileSize*TileSize)
	for i := range merged {
		merged[i] = math.NaN()
	}
	grid := gridForTile(tile.Coord)

	filled := 0
	for _, record := range tile.Sources {
		data, err := cp.warper.Warp(record, grid)
		if err != nil {
			// one bad source must not abort a multi-hour run
			werr := &ReprojectionError{Source: record.Path, Coord: tile.Coord, Err: err}
			log.Warnf("%v, treating source as absent", werr)
			cp.tracker.tileFailed(tile.Coord, record.Path)
			continue
		}
		if data == nil {
			continue
		}
		for i := range merged {
			if math.IsNaN(merged[i]) && !math.IsNaN(data[i]) {
				merged[i] = data[i]
				filled++
			}
		}
		if filled == len(merged) {
			break
		}
	}
	if filled == 0 {
		return nil, nil
	}

	for i := range merged {
		if math.IsNaN(merged[i]) {
			merged[i] = 0
		}
	}
	return encodeTile(merged, tile.Coord.Z)
}
