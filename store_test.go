package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func testStoreOptions() storeOptions {
	return storeOptions{backend: "mbtiles", batchSize: 2, checkpoint: 4}
}

func TestStoreWriteFinalizeReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}

	tiles := map[TileCoord][]byte{
		{Z: 0, X: 0, Y: 0}: []byte("z0"),
		{Z: 1, X: 1, Y: 0}: []byte("z1"),
		{Z: 2, X: 3, Y: 2}: []byte("z2"),
	}
	for c, data := range tiles {
		if err := store.put(c, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.finalize(store.metaItems("out", "test attribution")); err != nil {
		t.Fatal(err)
	}

	reopened, err := newTileStore(path, testStoreOptions(), storeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.db.Close()

	n, err := reopened.countTiles()
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(tiles)) {
		t.Fatalf("count = %d, want %d", n, len(tiles))
	}
	for c, want := range tiles {
		got, err := reopened.getTile(c)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("tile %s = %q, want %q", c, got, want)
		}
	}
	minZ, maxZ, err := reopened.zoomRange()
	if err != nil {
		t.Fatal(err)
	}
	if minZ != 0 || maxZ != 2 {
		t.Fatalf("zoom range = %d-%d, want 0-2", minZ, maxZ)
	}

	meta, err := reopened.readMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if meta["format"] != payloadFormat || meta["encoding"] != encodingName {
		t.Fatalf("unexpected format/encoding metadata: %v", meta)
	}
	if meta["attribution"] != "test attribution" {
		t.Fatalf("attribution = %q", meta["attribution"])
	}
	if meta["minzoom"] != "0" || meta["maxzoom"] != "2" {
		t.Fatalf("zoom metadata = %s-%s", meta["minzoom"], meta["maxzoom"])
	}
	if meta["bounds"] == "" || meta["center"] == "" {
		t.Fatal("bounds/center metadata missing")
	}
}

func TestStorePutIsIdempotentPerCoordinate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	c := TileCoord{Z: 5, X: 10, Y: 20}
	if err := store.put(c, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := store.put(c, []byte("second")); err != nil {
		t.Fatal(err)
	}
	if err := store.flush(); err != nil {
		t.Fatal(err)
	}

	n, err := store.countTiles()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (replace, not append)", n)
	}
	distinct, err := store.countDistinct()
	if err != nil {
		t.Fatal(err)
	}
	if distinct != 1 {
		t.Fatalf("distinct count = %d, want 1", distinct)
	}
	got, err := store.getTile(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("tile = %q, want the last write", got)
	}
	_ = store.db.Close()
}

func TestStoreCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.put(TileCoord{Z: 0, X: 0, Y: 0}, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := store.finalize(nil); err != nil {
		t.Fatal(err)
	}

	if _, err := newTileStore(path, testStoreOptions(), storeCreate); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	opts := testStoreOptions()
	opts.overwrite = true
	fresh, err := newTileStore(path, opts, storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	n, err := fresh.countTiles()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("overwritten store holds %d tiles, want 0", n)
	}
	_ = fresh.db.Close()
}

func TestStoreIterateFromResumesAtOrdinal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	coords := []TileCoord{{Z: 3, X: 0, Y: 0}, {Z: 3, X: 1, Y: 0}, {Z: 3, X: 2, Y: 0}}
	for _, c := range coords {
		if err := store.put(c, []byte(c.String())); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.flush(); err != nil {
		t.Fatal(err)
	}

	var firstOrdinal int64
	var all []TileCoord
	err = store.iterateFrom(0, func(ordinal int64, c TileCoord, data []byte) error {
		if firstOrdinal == 0 {
			firstOrdinal = ordinal
		}
		all = append(all, c)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("full iteration saw %d rows, want 3", len(all))
	}

	var rest []TileCoord
	err = store.iterateFrom(firstOrdinal, func(ordinal int64, c TileCoord, data []byte) error {
		rest = append(rest, c)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("resumed iteration saw %d rows, want 2", len(rest))
	}
	_ = store.db.Close()
}

// a safe-exit hook or watchdog may flush from another goroutine while
// the pipeline is still writing; both must serialize on the batch
func TestStoreConcurrentPutAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}

	const tiles = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = store.flush()
		}
	}()
	for x := uint32(0); x < tiles; x++ {
		if err := store.put(TileCoord{Z: 9, X: x, Y: 0}, []byte("t")); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	if err := store.flush(); err != nil {
		t.Fatal(err)
	}

	n, err := store.countTiles()
	if err != nil {
		t.Fatal(err)
	}
	if n != tiles {
		t.Fatalf("count = %d, want %d", n, tiles)
	}
	_ = store.db.Close()
}

func TestStorePerZoomCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := newTileStore(path, testStoreOptions(), storeCreate)
	if err != nil {
		t.Fatal(err)
	}
	for x := uint32(0); x < 3; x++ {
		if err := store.put(TileCoord{Z: 4, X: x, Y: 0}, []byte("t")); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.put(TileCoord{Z: 5, X: 0, Y: 0}, []byte("t")); err != nil {
		t.Fatal(err)
	}
	if err := store.flush(); err != nil {
		t.Fatal(err)
	}
	counts, err := store.perZoomCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[4] != 3 || counts[5] != 1 {
		t.Fatalf("per-zoom counts = %v", counts)
	}
	_ = store.db.Close()
}
