package main

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// MBTileVersion mbtiles版本号
const MBTileVersion = "1.2"

type storeMode int

const (
	// storeCreate opens a fresh writable store; an existing file is an
	// AlreadyExistsError unless overwrite is requested.
	storeCreate storeMode = iota
	// storeAppend reopens an existing store for more writes (merge
	// resume, write-log replay after an unclean exit).
	storeAppend
	// storeRead opens for queries only.
	storeRead
)

type storeOptions struct {
	backend    string // "mbtiles" | "mysql"
	conn       string // mysql dsn
	batchSize  int
	checkpoint int
	writeDelay time.Duration
	batchDelay time.Duration
	overwrite  bool
}

func storeOptionsFromConf(conf *Conf, overwrite bool) storeOptions {
	return storeOptions{
		backend:    conf.Output.Format,
		conn:       conf.Output.Conn,
		batchSize:  conf.Store.BatchSize,
		checkpoint: conf.Store.Checkpoint,
		writeDelay: conf.writeDelay(),
		batchDelay: conf.batchDelay(),
		overwrite:  overwrite,
	}
}

type storeRow struct {
	coord TileCoord
	data  []byte
}

// tileStore is the durable coordinate-keyed tile container: a `tiles`
// table keyed by (zoom_level, tile_column, tile_row) with TMS rows,
// plus a `metadata` key/value table. SQLite realizes it as MBTiles;
// the append-only write log is the WAL journal, checkpointed into the
// main structure every opts.checkpoint writes so its on-disk size
// stays bounded during multi-hour runs.
type tileStore struct {
	db   *sql.DB
	path string
	opts storeOptions

	// mu guards the batch and extent state: safe-exit hooks and the
	// watchdog flush from another goroutine than the pipeline loop
	mu      sync.Mutex
	batch   []storeRow
	writes  int64
	lastCkp int64

	// extent tracked while writing, folded into metadata at finalize
	minZoomSeen, maxZoomSeen       int
	minLon, minLat, maxLon, maxLat float64
}

func newTileStore(path string, opts storeOptions, mode storeMode) (*tileStore, error) {
	if opts.batchSize <= 0 {
		opts.batchSize = 512
	}
	s := &tileStore{
		path:        path,
		opts:        opts,
		minZoomSeen: math.MaxInt32,
		maxZoomSeen: -1,
		minLon:      math.Inf(1),
		minLat:      math.Inf(1),
		maxLon:      math.Inf(-1),
		maxLat:      math.Inf(-1),
	}
	if opts.backend == "mysql" {
		db, err := sql.Open("mysql", opts.conn)
		if err != nil {
			return nil, storageErr(err)
		}
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		s.db = db
		if mode != storeRead {
			if err := s.ensureMysqlSchema(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	s.opts.backend = "mbtiles"
	if mode == storeCreate {
		if _, err := os.Stat(path); err == nil {
			if !opts.overwrite {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
			}
			if err := os.Remove(path); err != nil {
				return nil, storageErr(err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, storageErr(err)
		}
	}
	if mode != storeCreate {
		if _, err := os.Stat(path); err != nil {
			return nil, storageErr(err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr(err)
	}
	s.db = db
	if mode != storeRead {
		// opening an unfinalized store replays its write log here
		if err := s.optimizeConnection(); err != nil {
			return nil, err
		}
		if err := s.ensureSchema(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *tileStore) optimizeConnection() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return storageErr(err)
		}
	}
	return nil
}

func (s *tileStore) ensureSchema() error {
	stmts := []string{
		"create table if not exists metadata (name text primary key, value text);",
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr(err)
		}
	}
	return nil
}

func (s *tileStore) ensureMysqlSchema() error {
	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data mediumblob, unique key tile_index (zoom_level, tile_column, tile_row));",
		"create table if not exists metadata (name varchar(50) primary key, value mediumtext);",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr(err)
		}
	}
	return nil
}

func (s *tileStore) updateExtent(c TileCoord) {
	z := int(c.Z)
	if z < s.minZoomSeen {
		s.minZoomSeen = z
	}
	if z > s.maxZoomSeen {
		s.maxZoomSeen = z
	}
	b := c.boundWGS84()
	s.minLon = math.Min(s.minLon, b.Min[0])
	s.minLat = math.Min(s.minLat, b.Min[1])
	s.maxLon = math.Max(s.maxLon, b.Max[0])
	s.maxLat = math.Max(s.maxLat, b.Max[1])
}

// put buffers one row; physical writes happen in batches so the write
// path never holds a full-structure lock. The pacing delay smooths
// burst I/O on constrained storage only.
func (s *tileStore) put(c TileCoord, data []byte) error {
	s.mu.Lock()
	s.updateExtent(c)
	s.batch = append(s.batch, storeRow{coord: c, data: data})
	var err error
	if len(s.batch) >= s.opts.batchSize {
		err = s.flushLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.opts.writeDelay > 0 {
		time.Sleep(s.opts.writeDelay)
	}
	return nil
}

func (s *tileStore) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *tileStore) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr(err)
	}
	sqlStr := "insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)"
	if s.opts.backend == "mysql" {
		sqlStr = "replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)"
	}
	for _, row := range s.batch {
		if _, err := tx.Exec(sqlStr, row.coord.Z, row.coord.X, row.coord.flipY(), row.data); err != nil {
			tx.Rollback()
			return storageErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	s.writes += int64(len(s.batch))
	s.batch = s.batch[:0]
	if s.opts.batchDelay > 0 {
		time.Sleep(s.opts.batchDelay)
	}
	return s.maybeCheckpoint()
}

// maybeCheckpoint folds the write log into the main structure and
// truncates it once enough rows have accumulated.
func (s *tileStore) maybeCheckpoint() error {
	if s.opts.backend != "mbtiles" || s.opts.checkpoint <= 0 {
		return nil
	}
	if s.writes-s.lastCkp < int64(s.opts.checkpoint) {
		return nil
	}
	s.lastCkp = s.writes
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		// non-fatal; retried at the next interval and at finalize
		log.Warnf("write-log checkpoint failed: %v", err)
	}
	return nil
}

func (s *tileStore) setMetadata(name, value string) error {
	sqlStr := "insert or replace into metadata (name, value) values (?, ?)"
	if s.opts.backend == "mysql" {
		sqlStr = "replace into metadata (name, value) values (?, ?)"
	}
	_, err := s.db.Exec(sqlStr, name, value)
	return storageErr(err)
}

func (s *tileStore) deleteMetadataPrefix(prefix string) error {
	_, err := s.db.Exec("delete from metadata where name like ?", prefix+"%")
	return storageErr(err)
}

// metaItems assembles the store metadata from the tracked extent.
func (s *tileStore) metaItems(name, attribution string) map[string]string {
	items := map[string]string{
		"name":        name,
		"format":      payloadFormat,
		"encoding":    encodingName,
		"version":     MBTileVersion,
		"attribution": attribution,
	}
	if s.maxZoomSeen >= 0 {
		centerZoom := (s.minZoomSeen + s.maxZoomSeen) / 2
		items["minzoom"] = strconv.Itoa(s.minZoomSeen)
		items["maxzoom"] = strconv.Itoa(s.maxZoomSeen)
		items["bounds"] = fmt.Sprintf("%f,%f,%f,%f", s.minLon, s.minLat, s.maxLon, s.maxLat)
		items["center"] = fmt.Sprintf("%f,%f,%d", (s.minLon+s.maxLon)/2, (s.minLat+s.maxLat)/2, centerZoom)
	}
	return items
}

// finalize flushes the last batch, writes metadata, folds and drops
// the write log and closes the store. After it returns the file is
// self-contained and safe for any reader. A store killed before
// finalize stays openable: the journal is replayed on next open,
// losing at most the last unflushed batch.
func (s *tileStore) finalize(meta map[string]string) error {
	if err := s.flush(); err != nil {
		return err
	}
	for name, value := range meta {
		if err := s.setMetadata(name, value); err != nil {
			return err
		}
	}
	if s.opts.backend == "mbtiles" {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return storageErr(err)
		}
		if _, err := s.db.Exec("PRAGMA journal_mode=DELETE"); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(s.db.Close())
}

// close releases the handle without finalizing; pending batched rows
// are flushed first so a safe-exit loses nothing already handed over.
func (s *tileStore) close() error {
	if err := s.flush(); err != nil {
		log.Errorf("flush on close failed: %v", err)
	}
	return s.db.Close()
}

func (s *tileStore) getTile(c TileCoord) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		c.Z, c.X, c.flipY(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return data, nil
}

func (s *tileStore) countTiles() (int64, error) {
	var n int64
	if err := s.db.QueryRow("select count(*) from tiles").Scan(&n); err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func (s *tileStore) countDistinct() (int64, error) {
	var n int64
	err := s.db.QueryRow(
		"select count(*) from (select distinct zoom_level, tile_column, tile_row from tiles)",
	).Scan(&n)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func (s *tileStore) zoomRange() (int, int, error) {
	var minZ, maxZ sql.NullInt64
	if err := s.db.QueryRow("select min(zoom_level), max(zoom_level) from tiles").Scan(&minZ, &maxZ); err != nil {
		return 0, 0, storageErr(err)
	}
	if !minZ.Valid {
		return 0, -1, nil
	}
	return int(minZ.Int64), int(maxZ.Int64), nil
}

// iterateFrom visits rows in write-ordinal order starting after the
// given ordinal; the union merge uses the ordinal to resume a
// partially completed copy.
func (s *tileStore) iterateFrom(afterOrdinal int64, fn func(ordinal int64, c TileCoord, data []byte) error) error {
	rows, err := s.db.Query(
		"select rowid, zoom_level, tile_column, tile_row, tile_data from tiles where rowid > ? order by rowid",
		afterOrdinal,
	)
	if err != nil {
		return storageErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var ordinal int64
		var z, x, tmsY uint32
		var data []byte
		if err := rows.Scan(&ordinal, &z, &x, &tmsY, &data); err != nil {
			return storageErr(err)
		}
		c := TileCoord{Z: z, X: x, Y: (1 << z) - 1 - tmsY}
		if err := fn(ordinal, c, data); err != nil {
			return err
		}
	}
	return storageErr(rows.Err())
}

// coords returns every coordinate in the store (XYZ).
func (s *tileStore) coords() ([]TileCoord, error) {
	rows, err := s.db.Query("select zoom_level, tile_column, tile_row from tiles")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []TileCoord
	for rows.Next() {
		var z, x, tmsY uint32
		if err := rows.Scan(&z, &x, &tmsY); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, TileCoord{Z: z, X: x, Y: (1 << z) - 1 - tmsY})
	}
	return out, storageErr(rows.Err())
}

func (s *tileStore) readMetadata() (map[string]string, error) {
	rows, err := s.db.Query("select name, value from metadata")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, storageErr(err)
		}
		meta[name] = value
	}
	return meta, storageErr(rows.Err())
}

func (s *tileStore) perZoomCounts() (map[int]int64, error) {
	rows, err := s.db.Query("select zoom_level, count(*) from tiles group by zoom_level order by zoom_level")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	counts := make(map[int]int64)
	for rows.Next() {
		var z int
		var n int64
		if err := rows.Scan(&z, &n); err != nil {
			return nil, storageErr(err)
		}
		counts[z] = n
	}
	return counts, storageErr(rows.Err())
}
