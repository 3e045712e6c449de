package main

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileSize 输出瓦片像素大小 (512px reference grid)
const TileSize = 512

// ZoomMax 支持的最大级别
const ZoomMax = 17

const (
	earthCircumferenceM = 40075016.68557849
	originShift         = earthCircumferenceM / 2.0
	baseResolutionM     = earthCircumferenceM / TileSize
	webMercatorLatLimit = 85.05112877980659
)

// TileCoord is the canonical (zoom, column, row) key in the XYZ scheme.
// All storage and merge operations are keyed by it.
type TileCoord struct {
	Z uint32
	X uint32
	Y uint32
}

func (c TileCoord) String() string {
	return fmt.Sprintf("{%d/%d/%d}", c.Z, c.X, c.Y)
}

// flipY converts the XYZ row to the TMS row used by MBTiles, and back.
func (c TileCoord) flipY() uint32 {
	return (1 << c.Z) - 1 - c.Y
}

// less orders coordinates by (zoom, column, row) for deterministic
// iteration in merge and test paths.
func (c TileCoord) less(o TileCoord) bool {
	if c.Z != o.Z {
		return c.Z < o.Z
	}
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Y < o.Y
}

// mercatorBounds returns the EPSG:3857 extent (left, bottom, right, top).
func (c TileCoord) mercatorBounds() (float64, float64, float64, float64) {
	n := math.Exp2(float64(c.Z))
	span := 2 * originShift / n
	left := float64(c.X)*span - originShift
	top := originShift - float64(c.Y)*span
	return left, top - span, left + span, top
}

// boundWGS84 returns the tile extent in lon/lat degrees.
func (c TileCoord) boundWGS84() orb.Bound {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z)).Bound()
}

func clampBound(b orb.Bound) orb.Bound {
	return orb.Bound{
		Min: orb.Point{math.Max(-180.0, b.Min[0]), math.Max(-webMercatorLatLimit, b.Min[1])},
		Max: orb.Point{math.Min(180.0, b.Max[0]), math.Min(webMercatorLatLimit, b.Max[1])},
	}
}

// tileRange returns the inclusive XYZ column/row range covering a
// WGS84 bound at the given zoom.
func tileRange(b orb.Bound, z uint32) (x0, y0, x1, y1 uint32) {
	b = clampBound(b)
	zoom := maptile.Zoom(z)
	ll := maptile.At(orb.Point{b.Min[0], b.Min[1]}, zoom)
	ur := maptile.At(orb.Point{b.Max[0], b.Max[1]}, zoom)
	limit := uint32(1<<z) - 1
	x0, x1 = ll.X, ur.X
	y0, y1 = ur.Y, ll.Y
	if x1 > limit {
		x1 = limit
	}
	if y1 > limit {
		y1 = limit
	}
	return x0, y0, x1, y1
}

// countTilesAtZoom returns how many tiles of one zoom level cover the bound.
func countTilesAtZoom(b orb.Bound, z uint32) int64 {
	x0, y0, x1, y1 := tileRange(b, z)
	return int64(x1-x0+1) * int64(y1-y0+1)
}

// recommendedMaxZoom picks the deepest zoom at which the source GSD
// still adds detail: ground resolution halves per zoom starting from
// the single 512px world tile.
func recommendedMaxZoom(gsd float64) int {
	if !(gsd > 0) || math.IsInf(gsd, 0) {
		return ZoomMax
	}
	zoom := int(math.Ceil(math.Log2(baseResolutionM / gsd)))
	if zoom < 0 {
		return 0
	}
	if zoom > ZoomMax {
		return ZoomMax
	}
	return zoom
}
