package main

import (
	"errors"
	"fmt"
)

// Failure classes, ordered roughly by blast radius. Per-tile failures
// are absorbed by the compositor; everything else aborts the smallest
// recoverable unit (one zoom group, one merge).
var (
	// ErrAlreadyExists means the destination store exists and no
	// overwrite flag was given. User-correctable.
	ErrAlreadyExists = errors.New("destination already exists (use -overwrite)")

	// ErrResourceExceeded means a watchdog ceiling was breached. Fatal
	// to the current worker only; the group can be retried with a
	// stricter split pattern.
	ErrResourceExceeded = errors.New("resource ceiling exceeded")

	// ErrDuplicateTile means a union merge found the same coordinate in
	// more than one input. Requires operator intervention.
	ErrDuplicateTile = errors.New("duplicate tile coordinate")

	// ErrStorageIO wraps fatal store failures (out of space included).
	// The store on disk up to the last checkpoint remains valid.
	ErrStorageIO = errors.New("storage i/o failure")
)

// worker exit codes, mapped back to errors by the orchestrator
const (
	exitOK               = 0
	exitFatal            = 1
	exitResourceExceeded = 3
)

// MetadataError marks a malformed source record. Always fatal: a bad
// bounds.csv aborts the whole run before any tile is written.
type MetadataError struct {
	File string
	Line int
	Msg  string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata error in %s line %d: %s", e.File, e.Line, e.Msg)
}

// ReprojectionError reports a collaborator failure for one source on
// one tile. Recovered by treating that source as absent for the tile.
type ReprojectionError struct {
	Source string
	Coord  TileCoord
	Err    error
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reprojection of %s failed for tile %s: %v", e.Source, e.Coord, e.Err)
}

func (e *ReprojectionError) Unwrap() error { return e.Err }

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageIO, err)
}
