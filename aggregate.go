package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

type aggregateOptions struct {
	sourceDirs []string
	output     string
	minZoom    int
	maxZoom    int // -1 derives it from the finest source GSD
	bbox       *orb.Bound
	overwrite  bool
	runID      string
}

// resolveZoomRange fills in the automatic max zoom and validates.
func resolveZoomRange(opts *aggregateOptions, index *SourceIndex) error {
	if opts.maxZoom < 0 {
		opts.maxZoom = recommendedMaxZoom(index.finestPixelSize())
		log.Infof("max zoom %d derived from finest source gsd %.2f m", opts.maxZoom, index.finestPixelSize())
	}
	if opts.minZoom < 0 || opts.maxZoom > ZoomMax || opts.minZoom > opts.maxZoom {
		return fmt.Errorf("invalid zoom range %d-%d", opts.minZoom, opts.maxZoom)
	}
	return nil
}

// runAggregate is the whole single-process pipeline: enumerate
// candidates, composite each one, stream the payloads into one store,
// finalize. The split command re-execs this per zoom group.
func runAggregate(conf *Conf, opts aggregateOptions) error {
	records, err := loadSources(opts.sourceDirs)
	if err != nil {
		return err
	}
	index := newSourceIndex(records)
	if err := resolveZoomRange(&opts, index); err != nil {
		return err
	}

	track := newTracker(conf, opts.runID)
	defer track.close()
	warper := newGridWarper(conf.Warp.CacheMB)
	cp := newCompositor(warper, track)

	// an interrupted run with the same id left a cursor behind: reopen
	// its store and fast-forward past the columns already written
	cz, cx := track.cursor()
	mode := storeCreate
	if cz >= 0 && !opts.overwrite {
		if _, err := os.Stat(opts.output); err == nil {
			mode = storeAppend
			log.Infof("resuming run %s from cursor z%d column %d", opts.runID, cz, cx)
		} else {
			cz, cx = -1, -1
		}
	} else {
		cz, cx = -1, -1
	}

	store, err := newTileStore(opts.output, storeOptionsFromConf(conf, opts.overwrite), mode)
	if err != nil {
		return err
	}
	if SafeExitInst != nil {
		SafeExitInst.Register(func() {
			_ = store.close()
			track.close()
		})
	}

	// self-watchdog: a worker past its budget must die with a
	// distinguishable code so the orchestrator can report it
	stop := startWatchdog(os.Getpid(), conf.Watchdog.MemoryMB, conf.Watchdog.TimeSec, conf.watchdogInterval(),
		func(reason string) {
			log.Errorf("aborting: %s", reason)
			_ = store.close()
			os.Exit(exitResourceExceeded)
		})
	defer stop()

	enum := newEnumerator(index, conf.Progress.Interval)
	total := enum.estimateTotal(opts.minZoom, opts.maxZoom, opts.bbox)
	log.Infof("aggregating zoom %d-%d, ~%d tiles, %d sources", opts.minZoom, opts.maxZoom, total, len(records))
	reporter := newProgressReporter(filepath.Base(opts.output), total)

	out := make(chan CandidateTile, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- enum.enumerate(opts.minZoom, opts.maxZoom, opts.bbox, out, reporter.report)
	}()

	var written, skipped, resumed int64
	lastZ, lastX := -1, -1
	for tile := range out {
		if behindCursor(tile.Coord, cz, cx) {
			resumed++
			continue
		}
		payload, err := cp.composite(tile)
		if err != nil {
			for range out {
			}
			<-errCh
			_ = store.close()
			return err
		}
		if payload == nil {
			skipped++
			continue
		}
		if err := store.put(tile.Coord, payload); err != nil {
			for range out {
			}
			<-errCh
			_ = store.close()
			return err
		}
		written++
		if int(tile.Coord.Z) != lastZ || int(tile.Coord.X) != lastX {
			lastZ, lastX = int(tile.Coord.Z), int(tile.Coord.X)
			track.saveCursor(lastZ, lastX)
		}
	}
	if err := <-errCh; err != nil {
		_ = store.close()
		return err
	}
	reporter.finish()

	meta := store.metaItems(storeName(opts.output), conf.Output.Attribution)
	meta["id"] = opts.runID
	if err := store.finalize(meta); err != nil {
		return err
	}

	if failed := track.failedTiles(); len(failed) > 0 {
		log.Warnf("%d tiles had sources that failed to warp", len(failed))
	}
	track.clean()
	if resumed > 0 {
		log.Infof("aggregate finished: %d tiles written, %d empty tiles skipped, %d carried over from the interrupted run", written, skipped, resumed)
	} else {
		log.Infof("aggregate finished: %d tiles written, %d empty tiles skipped", written, skipped)
	}
	return nil
}

// behindCursor reports whether a tile was already produced before the
// run the cursor belongs to was interrupted. The cursor column itself
// is redone since its last batch may not have been flushed.
func behindCursor(c TileCoord, cz, cx int) bool {
	if cz < 0 {
		return false
	}
	if int(c.Z) != cz {
		return int(c.Z) < cz
	}
	return int(c.X) < cx
}

func storeName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// runComposite builds a single tile from one ESRI ASCII grid and
// writes the encoded payload to a file. Mainly a debugging aid.
func runComposite(conf *Conf, gridPath string, coord TileCoord, outPath string) error {
	r, err := loadASCIIGrid(gridPath)
	if err != nil {
		return err
	}
	record := &SourceRecord{
		Path:      gridPath,
		Left:      r.left,
		Bottom:    r.top - r.cellSize*float64(r.rows),
		Right:     r.left + r.cellSize*float64(r.cols),
		Top:       r.top,
		Width:     r.cols,
		Height:    r.rows,
		PixelSize: r.cellSize,
	}
	cp := newCompositor(newGridWarper(conf.Warp.CacheMB), newTracker(conf, "composite"))
	payload, err := cp.composite(CandidateTile{Coord: coord, Sources: []*SourceRecord{record}})
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("tile %s has no data from %s", coord, gridPath)
	}
	if err := os.WriteFile(outPath, payload, 0644); err != nil {
		return err
	}
	log.Infof("wrote %s (%d bytes)", outPath, len(payload))
	return nil
}
