package main

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

// runInspect prints a human-readable summary of a tile container.
// With a tile argument it additionally decodes that tile and reports
// elevation statistics.
func runInspect(path string, coord *TileCoord, w io.Writer) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pmtiles":
		return inspectPMTiles(path, w)
	default:
		return inspectMBTiles(path, coord, w)
	}
}

func inspectMBTiles(path string, coord *TileCoord, w io.Writer) error {
	store, err := newTileStore(path, storeOptions{backend: "mbtiles"}, storeRead)
	if err != nil {
		return err
	}
	defer store.db.Close()

	meta, err := store.readMetadata()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "file: %s\n", path)
	fmt.Fprintln(w, "metadata:")
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", name, meta[name])
	}

	total, err := store.countTiles()
	if err != nil {
		return err
	}
	minZ, maxZ, err := store.zoomRange()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "tiles: %d\n", total)
	if maxZ < 0 {
		fmt.Fprintln(w, "zoom range: empty")
		return nil
	}
	fmt.Fprintf(w, "zoom range: z%d-%d\n", minZ, maxZ)

	counts, err := store.perZoomCounts()
	if err != nil {
		return err
	}
	bound, haveBounds := parseBoundsMeta(meta["bounds"])
	fmt.Fprintln(w, "per-zoom fill:")
	for z := minZ; z <= maxZ; z++ {
		n := counts[z]
		if haveBounds {
			expected := countTilesAtZoom(bound, uint32(z))
			fmt.Fprintf(w, "  z%-2d %10d tiles  %5.1f%% of coverage\n", z, n, 100*float64(n)/float64(expected))
		} else {
			fmt.Fprintf(w, "  z%-2d %10d tiles\n", z, n)
		}
	}

	if coord != nil {
		return inspectTile(store, *coord, w)
	}
	return nil
}

func parseBoundsMeta(s string) (orb.Bound, bool) {
	var west, south, east, north float64
	if _, err := fmt.Sscanf(s, "%f,%f,%f,%f", &west, &south, &east, &north); err != nil {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}, true
}

// inspectTile decodes a single tile and reports its elevation
// distribution; pixels at exactly 0 m are flagged separately since 0
// doubles as the missing value.
func inspectTile(store *tileStore, coord TileCoord, w io.Writer) error {
	payload, err := store.getTile(coord)
	if err != nil {
		return err
	}
	if payload == nil {
		fmt.Fprintf(w, "tile %s: not present\n", coord)
		return nil
	}
	elev, err := decodeTile(payload)
	if err != nil {
		return err
	}
	minV, maxV := math.Inf(1), math.Inf(-1)
	var sum float64
	zeros := 0
	for _, v := range elev {
		if v == 0 {
			zeros++
		}
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		sum += v
	}
	fmt.Fprintf(w, "tile %s: %d bytes encoded\n", coord, len(payload))
	fmt.Fprintf(w, "  elevation min %.2f m, max %.2f m, mean %.2f m\n", minV, maxV, sum/float64(len(elev)))
	fmt.Fprintf(w, "  zero (= missing) pixels: %d of %d (%.1f%%)\n", zeros, len(elev), 100*float64(zeros)/float64(len(elev)))
	return nil
}

// pmtilesHeader is the fixed 127-byte header of a PMTiles v3 archive.
type pmtilesHeader struct {
	RootOffset     uint64
	RootLength     uint64
	MetadataOffset uint64
	MetadataLength uint64
	LeafOffset     uint64
	LeafLength     uint64
	TileDataOffset uint64
	TileDataLength uint64
	AddressedTiles uint64
	TileEntries    uint64
	TileContents   uint64
	Clustered      bool
	InternalComp   uint8
	TileComp       uint8
	TileType       uint8
	MinZoom        uint8
	MaxZoom        uint8
	MinLon         float64
	MinLat         float64
	MaxLon         float64
	MaxLat         float64
	CenterZoom     uint8
	CenterLon      float64
	CenterLat      float64
}

const pmtilesHeaderSize = 127

func readPMTilesHeader(buf []byte) (*pmtilesHeader, error) {
	if len(buf) < pmtilesHeaderSize {
		return nil, fmt.Errorf("file too small for a pmtiles header")
	}
	if string(buf[0:7]) != "PMTiles" {
		return nil, fmt.Errorf("bad magic, not a pmtiles archive")
	}
	if buf[7] != 3 {
		return nil, fmt.Errorf("unsupported pmtiles version %d", buf[7])
	}
	le := binary.LittleEndian
	e7 := func(off int) float64 {
		return float64(int32(le.Uint32(buf[off:]))) / 1e7
	}
	return &pmtilesHeader{
		RootOffset:     le.Uint64(buf[8:]),
		RootLength:     le.Uint64(buf[16:]),
		MetadataOffset: le.Uint64(buf[24:]),
		MetadataLength: le.Uint64(buf[32:]),
		LeafOffset:     le.Uint64(buf[40:]),
		LeafLength:     le.Uint64(buf[48:]),
		TileDataOffset: le.Uint64(buf[56:]),
		TileDataLength: le.Uint64(buf[64:]),
		AddressedTiles: le.Uint64(buf[72:]),
		TileEntries:    le.Uint64(buf[80:]),
		TileContents:   le.Uint64(buf[88:]),
		Clustered:      buf[96] == 1,
		InternalComp:   buf[97],
		TileComp:       buf[98],
		TileType:       buf[99],
		MinZoom:        buf[100],
		MaxZoom:        buf[101],
		MinLon:         e7(102),
		MinLat:         e7(106),
		MaxLon:         e7(110),
		MaxLat:         e7(114),
		CenterZoom:     buf[118],
		CenterLon:      e7(119),
		CenterLat:      e7(123),
	}, nil
}

func compressionName(c uint8) string {
	switch c {
	case 1:
		return "none"
	case 2:
		return "gzip"
	case 3:
		return "brotli"
	case 4:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", c)
}

func tileTypeName(t uint8) string {
	switch t {
	case 1:
		return "mvt"
	case 2:
		return "png"
	case 3:
		return "jpeg"
	case 4:
		return "webp"
	case 5:
		return "avif"
	}
	return fmt.Sprintf("unknown(%d)", t)
}

func inspectPMTiles(path string, w io.Writer) error {
	fp, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fp.Close()

	head := make([]byte, pmtilesHeaderSize)
	if _, err := io.ReadFull(fp, head); err != nil {
		return err
	}
	h, err := readPMTilesHeader(head)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "file: %s\n", path)
	fmt.Fprintf(w, "pmtiles v3, tile type %s, tile compression %s\n", tileTypeName(h.TileType), compressionName(h.TileComp))
	fmt.Fprintf(w, "addressed tiles: %d, entries: %d, contents: %d, clustered: %v\n",
		h.AddressedTiles, h.TileEntries, h.TileContents, h.Clustered)
	fmt.Fprintf(w, "zoom range: z%d-%d\n", h.MinZoom, h.MaxZoom)
	fmt.Fprintf(w, "bounds: %.6f,%.6f,%.6f,%.6f\n", h.MinLon, h.MinLat, h.MaxLon, h.MaxLat)
	fmt.Fprintf(w, "center: %.6f,%.6f,z%d\n", h.CenterLon, h.CenterLat, h.CenterZoom)
	fmt.Fprintf(w, "tile data: %d bytes\n", h.TileDataLength)

	if h.MetadataLength == 0 {
		return nil
	}
	if _, err := fp.Seek(int64(h.MetadataOffset), io.SeekStart); err != nil {
		return err
	}
	raw := io.LimitReader(fp, int64(h.MetadataLength))
	var reader io.Reader = raw
	if h.InternalComp == 2 {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}
	var meta map[string]interface{}
	if err := json.NewDecoder(reader).Decode(&meta); err != nil {
		return err
	}
	fmt.Fprintln(w, "metadata:")
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %v\n", name, meta[name])
	}
	return nil
}
