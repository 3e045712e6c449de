package main

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"
)

func syntheticPMTilesHeader() []byte {
	buf := make([]byte, pmtilesHeaderSize)
	copy(buf, "PMTiles")
	buf[7] = 3
	le := binary.LittleEndian
	le.PutUint64(buf[8:], 127)    // root offset
	le.PutUint64(buf[16:], 64)    // root length
	le.PutUint64(buf[56:], 4096)  // tile data offset
	le.PutUint64(buf[64:], 9000)  // tile data length
	le.PutUint64(buf[72:], 21)    // addressed
	le.PutUint64(buf[80:], 21)    // entries
	le.PutUint64(buf[88:], 21)    // contents
	buf[96] = 1                   // clustered
	buf[97] = 2                   // internal gzip
	buf[98] = 1                   // tiles uncompressed
	buf[99] = 2                   // png
	buf[100] = 0
	buf[101] = 2
	le.PutUint32(buf[102:], uint32(int32(122*1e7)))
	le.PutUint32(buf[106:], uint32(int32(24*1e7)))
	le.PutUint32(buf[110:], uint32(int32(154*1e7)))
	le.PutUint32(buf[114:], uint32(int32(46*1e7)))
	buf[118] = 1
	le.PutUint32(buf[119:], uint32(int32(138*1e7)))
	le.PutUint32(buf[123:], uint32(int32(35*1e7)))
	return buf
}

func TestReadPMTilesHeader(t *testing.T) {
	h, err := readPMTilesHeader(syntheticPMTilesHeader())
	if err != nil {
		t.Fatal(err)
	}
	if h.AddressedTiles != 21 || h.TileType != 2 || h.MinZoom != 0 || h.MaxZoom != 2 {
		t.Fatalf("header fields: %+v", h)
	}
	if h.MinLon != 122 || h.MaxLat != 46 {
		t.Fatalf("e7 bounds decoded wrong: %+v", h)
	}
	if !h.Clustered || h.InternalComp != 2 {
		t.Fatalf("flags decoded wrong: %+v", h)
	}
}

func TestReadPMTilesHeaderRejectsBadMagic(t *testing.T) {
	buf := syntheticPMTilesHeader()
	buf[0] = 'X'
	if _, err := readPMTilesHeader(buf); err == nil {
		t.Fatal("bad magic must be rejected")
	}
	buf = syntheticPMTilesHeader()
	buf[7] = 2
	if _, err := readPMTilesHeader(buf); err == nil {
		t.Fatal("unsupported version must be rejected")
	}
	if _, err := readPMTilesHeader(buf[:50]); err == nil {
		t.Fatal("truncated header must be rejected")
	}
}

func TestInspectMBTilesSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	coords := []TileCoord{{Z: 11, X: 0, Y: 0}, {Z: 12, X: 0, Y: 0}, {Z: 12, X: 1, Y: 1}}
	for _, c := range coords {
		payload, err := encodeTile(constTile(200), c.Z)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.put(c, payload); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.finalize(store.metaItems("summary", "test")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInspect(path, &TileCoord{Z: 11, X: 0, Y: 0}, &out); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"tiles: 3", "zoom range: z11-12", "format = png", "mean 200.00 m"} {
		if !strings.Contains(text, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, text)
		}
	}
}
