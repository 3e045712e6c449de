package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZoomGroupName(t *testing.T) {
	if got := (ZoomGroup{MinZoom: 0, MaxZoom: 10}).Name(); got != "z0-10" {
		t.Fatalf("Name = %q, want z0-10", got)
	}
	if got := (ZoomGroup{MinZoom: 12, MaxZoom: 12}).Name(); got != "z12" {
		t.Fatalf("Name = %q, want z12", got)
	}
}

func TestGetSplitPattern(t *testing.T) {
	for _, name := range []string{"single", "balanced", "safe", "fast", "incremental"} {
		groups, err := getSplitPattern(name)
		if err != nil {
			t.Fatalf("pattern %s: %v", name, err)
		}
		if err := validateSplitPattern(groups, 16); err != nil {
			t.Fatalf("pattern %s invalid: %v", name, err)
		}
	}
	if _, err := getSplitPattern("nope"); err == nil || !strings.Contains(err.Error(), "unknown split pattern") {
		t.Fatalf("want unknown-pattern error, got %v", err)
	}
}

func TestValidateSplitPatternRejectsGaps(t *testing.T) {
	gap := []ZoomGroup{{MinZoom: 0, MaxZoom: 5}, {MinZoom: 7, MaxZoom: 16}}
	if err := validateSplitPattern(gap, 16); err == nil {
		t.Fatal("gap must be rejected")
	}
	inverted := []ZoomGroup{{MinZoom: 0, MaxZoom: 5}, {MinZoom: 6, MaxZoom: 4}}
	if err := validateSplitPattern(inverted, 16); err == nil {
		t.Fatal("inverted group must be rejected")
	}
	short := []ZoomGroup{{MinZoom: 0, MaxZoom: 12}}
	if err := validateSplitPattern(short, 16); err == nil {
		t.Fatal("pattern not reaching maxZoom must be rejected")
	}
	if err := validateSplitPattern(nil, 16); err == nil {
		t.Fatal("empty pattern must be rejected")
	}
}

func TestClampPattern(t *testing.T) {
	balanced, _ := getSplitPattern("balanced")

	lowered := clampPattern(balanced, 12)
	if err := validateSplitPattern(lowered, 12); err != nil {
		t.Fatalf("clamp to 12 invalid: %v", err)
	}
	if last := lowered[len(lowered)-1]; last.MaxZoom != 12 {
		t.Fatalf("last group ends at z%d, want 12", last.MaxZoom)
	}

	raised := clampPattern(balanced, 17)
	if err := validateSplitPattern(raised, 17); err != nil {
		t.Fatalf("clamp to 17 invalid: %v", err)
	}
}

func TestCustomSplitCoversRange(t *testing.T) {
	groups := customSplit(16, 10.0, nil)
	if err := validateSplitPattern(groups, 16); err != nil {
		t.Fatalf("custom split invalid: %v", err)
	}
	if len(groups) < 2 {
		t.Fatalf("nationwide z0-16 must split into several groups, got %d", len(groups))
	}
	// every non-final group closes near the target budget
	for _, g := range groups[:len(groups)-1] {
		if g.EstimatedMemoryGB < 10.0 {
			t.Fatalf("group %s closed at %.1fGB, below the 10GB target", g.Name(), g.EstimatedMemoryGB)
		}
	}
}

func TestEstimateTileCount(t *testing.T) {
	if n := estimateTileCount(0, 0, nil); n < 1 {
		t.Fatalf("estimate = %d, want at least 1", n)
	}
	low := estimateTileCount(0, 8, nil)
	high := estimateTileCount(0, 12, nil)
	if high <= low {
		t.Fatalf("estimate must grow with zoom: z0-8=%d z0-12=%d", low, high)
	}
}

func TestRunSplitResumeRequiresIntermediate(t *testing.T) {
	defer func() { execGroup = runGroup }()
	calls := 0
	execGroup = func(conf *Conf, opts splitOptions, group ZoomGroup, intermediate string) (groupStats, error) {
		calls++
		return groupStats{}, nil
	}

	src := writeWorldGrid(t, 50)
	dir := t.TempDir()
	opts := splitOptions{
		sourceDirs:     []string{src},
		output:         filepath.Join(dir, "japan.pmtiles"),
		customTargetGB: 0.1,
		resumeFrom:     1,
		maxZoom:        2,
		runID:          "resume-missing",
	}
	err := runSplit(testConf(), opts)
	if err == nil || !strings.Contains(err.Error(), "intermediate not found") {
		t.Fatalf("want missing-intermediate error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("no group may run when the resume precondition fails, ran %d", calls)
	}
}

func TestRunSplitResumeSkipsCompletedGroups(t *testing.T) {
	defer func() { execGroup = runGroup }()
	var ran []string
	execGroup = func(conf *Conf, opts splitOptions, group ZoomGroup, intermediate string) (groupStats, error) {
		ran = append(ran, group.Name())
		buildStore(t, intermediate, group.Name(), map[TileCoord][]byte{
			{Z: uint32(group.MinZoom), X: 0, Y: 0}: []byte(group.Name()),
		})
		return groupStats{}, nil
	}

	src := writeWorldGrid(t, 50)
	dir := t.TempDir()
	// the z0 group completed before the interruption
	buildStore(t, filepath.Join(dir, "japan_z0.mbtiles"), "z0", map[TileCoord][]byte{
		{Z: 0, X: 0, Y: 0}: []byte("z0"),
	})

	opts := splitOptions{
		sourceDirs:     []string{src},
		output:         filepath.Join(dir, "japan.pmtiles"),
		customTargetGB: 0.1,
		resumeFrom:     1,
		maxZoom:        2,
		runID:          "resume-skip",
	}
	if err := runSplit(testConf(), opts); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[0] != "z1" || ran[1] != "z2" {
		t.Fatalf("want groups z1 and z2 executed, got %v", ran)
	}

	merged, err := newTileStore(filepath.Join(dir, "japan.mbtiles"), testStoreOptions(), storeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer merged.close()
	n, err := merged.countTiles()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("merged %d tiles, want 3", n)
	}
	// intermediates are removed after a successful merge
	if _, err := os.Stat(filepath.Join(dir, "japan_z0.mbtiles")); !os.IsNotExist(err) {
		t.Fatalf("intermediate not cleaned up: %v", err)
	}
}

func TestWorkerFailureMapsExitCodes(t *testing.T) {
	err := workerFailure(42, exitResourceExceeded)
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("self-terminated worker must map to ErrResourceExceeded, got %v", err)
	}
	err = workerFailure(42, 1)
	if err == nil || errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("plain failure must stay a plain error, got %v", err)
	}
}
