package main

import (
	"bufio"
	"container/list"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// TileGrid describes the exact pixel grid of one output tile in the
// output projection: origin at the top-left corner, square pixels.
type TileGrid struct {
	Left      float64
	Top       float64
	PixelSize float64
	Width     int
	Height    int
}

func gridForTile(c TileCoord) TileGrid {
	left, _, right, top := c.mercatorBounds()
	return TileGrid{
		Left:      left,
		Top:       top,
		PixelSize: (right - left) / TileSize,
		Width:     TileSize,
		Height:    TileSize,
	}
}

// Reprojector resamples one source raster onto a tile-aligned grid.
// Unmapped pixels are set to NaN, the in-memory missing sentinel. The
// geometric resampling itself is a collaborator concern: production
// deployments plug in a GDAL-backed implementation, tests plug in
// fakes, and gridWarper below covers plain ESRI ASCII grids.
type Reprojector interface {
	Warp(record *SourceRecord, grid TileGrid) ([]float64, error)
}

// raster is one decoded source held in memory: row-major samples with
// NaN where the file declared nodata.
type raster struct {
	left, top float64
	cellSize  float64
	cols      int
	rows      int
	values    []float64
}

func (r *raster) sizeBytes() int64 {
	return int64(len(r.values)) * 8
}

// sample returns the bilinear interpolation at a Mercator point, NaN
// outside the raster or where any contributing cell is nodata.
func (r *raster) sample(x, y float64) float64 {
	fx := (x-r.left)/r.cellSize - 0.5
	fy := (r.top-y)/r.cellSize - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	wx := fx - float64(x0)
	wy := fy - float64(y0)

	at := func(cx, cy int) float64 {
		if cx < 0 {
			cx = 0
		}
		if cy < 0 {
			cy = 0
		}
		if cx >= r.cols {
			cx = r.cols - 1
		}
		if cy >= r.rows {
			cy = r.rows - 1
		}
		return r.values[cy*r.cols+cx]
	}
	if fx < -0.5 || fy < -0.5 || fx > float64(r.cols)-0.5 || fy > float64(r.rows)-0.5 {
		return math.NaN()
	}

	v00 := at(x0, y0)
	v10 := at(x0+1, y0)
	v01 := at(x0, y0+1)
	v11 := at(x0+1, y0+1)
	top := v00*(1-wx) + v10*wx
	bottom := v01*(1-wx) + v11*wx
	return top*(1-wy) + bottom*wy
}

// loadASCIIGrid parses an ESRI ASCII grid (ncols/nrows/xllcorner/
// yllcorner/cellsize/NODATA_value header then row-major samples, top
// row first). Coordinates are taken as already being in EPSG:3857.
func loadASCIIGrid(path string) (*raster, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	header := map[string]float64{}
	nodata := math.NaN()
	var values []float64
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) == 2 && len(values) == 0 {
			key := strings.ToLower(fields[0])
			if key == "ncols" || key == "nrows" || key == "xllcorner" || key == "yllcorner" || key == "cellsize" || key == "nodata_value" {
				v, err := strconv.ParseFloat(fields[1], 64)
				if err != nil {
					return nil, fmt.Errorf("%s: bad header field %s", path, key)
				}
				if key == "nodata_value" {
					nodata = v
				} else {
					header[key] = v
				}
				continue
			}
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad sample %q", path, field)
			}
			if !math.IsNaN(nodata) && v == nodata {
				v = math.NaN()
			}
			values = append(values, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	cols := int(header["ncols"])
	rows := int(header["nrows"])
	if cols <= 0 || rows <= 0 || len(values) != cols*rows {
		return nil, fmt.Errorf("%s: grid shape mismatch (%d cols x %d rows, %d samples)", path, cols, rows, len(values))
	}
	cell := header["cellsize"]
	return &raster{
		left:     header["xllcorner"],
		top:      header["yllcorner"] + float64(rows)*cell,
		cellSize: cell,
		cols:     cols,
		rows:     rows,
		values:   values,
	}, nil
}

// rasterCache keeps decoded rasters under a byte budget, evicting the
// least recently used. The budget is the warp.cachemb config knob.
type rasterCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List
	items  map[string]*list.Element
}

type cacheEntry struct {
	key string
	r   *raster
}

func newRasterCache(budgetMB int) *rasterCache {
	return &rasterCache{
		budget: int64(budgetMB) * 1024 * 1024,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

func (c *rasterCache) get(key string) *raster {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).r
	}
	return nil
}

func (c *rasterCache) put(key string, r *raster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, r: r})
	c.used += r.sizeBytes()
	for c.used > c.budget && c.order.Len() > 1 {
		oldest := c.order.Back()
		entry := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.items, entry.key)
		c.used -= entry.r.sizeBytes()
	}
}

// gridWarper is the built-in Reprojector over ASCII-grid rasters.
type gridWarper struct {
	cache *rasterCache
}

func newGridWarper(cacheBudgetMB int) *gridWarper {
	return &gridWarper{cache: newRasterCache(cacheBudgetMB)}
}

func (w *gridWarper) Warp(record *SourceRecord, grid TileGrid) ([]float64, error) {
	r := w.cache.get(record.Path)
	if r == nil {
		var err error
		r, err = loadASCIIGrid(record.Path)
		if err != nil {
			return nil, err
		}
		w.cache.put(record.Path, r)
	}

	out := make([]float64, grid.Width*grid.Height)
	any := false
	for row := 0; row < grid.Height; row++ {
		y := grid.Top - (float64(row)+0.5)*grid.PixelSize
		for col := 0; col < grid.Width; col++ {
			x := grid.Left + (float64(col)+0.5)*grid.PixelSize
			v := r.sample(x, y)
			out[row*grid.Width+col] = v
			if !math.IsNaN(v) {
				any = true
			}
		}
	}
	if !any {
		return nil, nil
	}
	return out, nil
}
