package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// ZoomGroup is one contiguous zoom slice processed by its own worker
// process. The estimates are nationwide planning figures, not limits.
type ZoomGroup struct {
	MinZoom           int
	MaxZoom           int
	EstimatedTiles    int64
	EstimatedMemoryGB float64
}

func (g ZoomGroup) Name() string {
	if g.MinZoom == g.MaxZoom {
		return fmt.Sprintf("z%d", g.MinZoom)
	}
	return fmt.Sprintf("z%d-%d", g.MinZoom, g.MaxZoom)
}

func (g ZoomGroup) String() string {
	return fmt.Sprintf("%s: ~%d tiles, ~%.1fGB memory", g.Name(), g.EstimatedTiles, g.EstimatedMemoryGB)
}

var splitPatterns = map[string][]ZoomGroup{
	"single": {
		{0, 16, 20_000_000, 40.0},
	},
	"balanced": {
		{0, 10, 55_000, 6.0},
		{11, 12, 200_000, 8.0},
		{13, 14, 1_000_000, 10.0},
		{15, 16, 20_000_000, 10.0},
	},
	"safe": {
		{0, 9, 14_000, 5.0},
		{10, 11, 90_000, 6.0},
		{12, 12, 130_000, 7.0},
		{13, 13, 500_000, 8.0},
		{14, 14, 2_000_000, 9.0},
		{15, 16, 20_000_000, 10.0},
	},
	"fast": {
		{0, 11, 250_000, 8.0},
		{12, 13, 1_500_000, 12.0},
		{14, 16, 22_000_000, 12.0},
	},
	"incremental": {
		{0, 6, 5_000, 3.0},
		{7, 9, 9_000, 4.0},
		{10, 10, 40_000, 5.0},
		{11, 11, 80_000, 6.0},
		{12, 12, 130_000, 7.0},
		{13, 13, 500_000, 8.0},
		{14, 14, 2_000_000, 9.0},
		{15, 15, 8_000_000, 10.0},
		{16, 16, 12_000_000, 10.0},
	},
}

func getSplitPattern(name string) ([]ZoomGroup, error) {
	groups, ok := splitPatterns[name]
	if !ok {
		names := make([]string, 0, len(splitPatterns))
		for k := range splitPatterns {
			names = append(names, k)
		}
		return nil, fmt.Errorf("unknown split pattern %q, available: %s", name, strings.Join(names, ", "))
	}
	out := make([]ZoomGroup, len(groups))
	copy(out, groups)
	return out, nil
}

// japanBound is the planning default coverage for estimates when no
// bbox is given.
var japanBound = orb.Bound{Min: orb.Point{122.0, 24.0}, Max: orb.Point{154.0, 46.0}}

// estimateTileCount is a scheduling estimate only; the enumerator
// decides what actually gets built.
func estimateTileCount(minZoom, maxZoom int, bbox *orb.Bound) int64 {
	b := japanBound
	if bbox != nil {
		b = *bbox
	}
	west, south, east, north := b.Min[0], b.Min[1], b.Max[0], b.Max[1]
	var total int64
	for z := minZoom; z <= maxZoom; z++ {
		n := math.Exp2(float64(z))
		tilesX := math.Max(1, math.Ceil((east-west)/360.0*n))
		yTop := mercatorY(north) * n
		yBottom := mercatorY(south) * n
		tilesY := math.Max(1, math.Ceil(math.Abs(yBottom-yTop)))
		total += int64(tilesX * tilesY)
	}
	if total < 1 {
		return 1
	}
	return total
}

// mercatorY maps latitude to the [0,1) vertical tile fraction.
func mercatorY(lat float64) float64 {
	rad := lat * math.Pi / 180
	return (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2
}

const (
	baseMemoryGB      = 4.0
	memoryPerMTilesGB = 2.0
)

func estimateMemoryGB(minZoom, maxZoom int, bbox *orb.Bound) float64 {
	tiles := estimateTileCount(minZoom, maxZoom, bbox)
	return baseMemoryGB + float64(tiles)/1_000_000.0*memoryPerMTilesGB
}

// customSplit builds groups greedily so each stays under the target
// memory estimate. The last group always closes at maxZoom even if it
// overshoots.
func customSplit(maxZoom int, targetGB float64, bbox *orb.Bound) []ZoomGroup {
	var groups []ZoomGroup
	currentMin := 0
	for z := 0; z <= maxZoom; z++ {
		mem := estimateMemoryGB(currentMin, z, bbox)
		if mem >= targetGB || z == maxZoom {
			groups = append(groups, ZoomGroup{
				MinZoom:           currentMin,
				MaxZoom:           z,
				EstimatedTiles:    estimateTileCount(currentMin, z, bbox),
				EstimatedMemoryGB: mem,
			})
			currentMin = z + 1
		}
	}
	return groups
}

// validateSplitPattern checks that groups start at zoom 0, are
// contiguous without gaps, and end exactly at maxZoom.
func validateSplitPattern(groups []ZoomGroup, maxZoom int) error {
	if len(groups) == 0 {
		return fmt.Errorf("split pattern is empty")
	}
	expected := 0
	for i, g := range groups {
		if g.MinZoom != expected {
			return fmt.Errorf("gap in zoom levels: group %d starts at z%d, expected z%d", i, g.MinZoom, expected)
		}
		if g.MinZoom > g.MaxZoom {
			return fmt.Errorf("invalid zoom range in group %d: z%d > z%d", i, g.MinZoom, g.MaxZoom)
		}
		expected = g.MaxZoom + 1
	}
	if groups[len(groups)-1].MaxZoom != maxZoom {
		return fmt.Errorf("split pattern ends at z%d, expected z%d", groups[len(groups)-1].MaxZoom, maxZoom)
	}
	return nil
}

// clampPattern adapts a named pattern to a different top zoom: groups
// past maxZoom are dropped, the last kept group is extended or cut.
func clampPattern(groups []ZoomGroup, maxZoom int) []ZoomGroup {
	var out []ZoomGroup
	for _, g := range groups {
		if g.MinZoom > maxZoom {
			break
		}
		if g.MaxZoom > maxZoom {
			g.MaxZoom = maxZoom
		}
		out = append(out, g)
	}
	if len(out) > 0 && out[len(out)-1].MaxZoom < maxZoom {
		out[len(out)-1].MaxZoom = maxZoom
	}
	return out
}

type splitOptions struct {
	sourceDirs        []string
	output            string // final .pmtiles path
	pattern           string
	customTargetGB    float64 // >0 selects a custom split
	resumeFrom        int     // -1 disables
	maxZoom           int     // -1 derives from sources
	bbox              *orb.Bound
	overwrite         bool
	keepIntermediates bool
	cfgFile           string
	runID             string
}

// runSplit drives the whole pipeline: one worker process per zoom
// group, union merge of the intermediates, optional PMTiles
// conversion. Isolating groups in child processes guarantees each
// group's memory is returned to the OS before the next starts.
func runSplit(conf *Conf, opts splitOptions) error {
	records, err := loadSources(opts.sourceDirs)
	if err != nil {
		return err
	}
	index := newSourceIndex(records)
	if opts.maxZoom < 0 {
		opts.maxZoom = recommendedMaxZoom(index.finestPixelSize())
		log.Infof("max zoom %d derived from finest source gsd %.2f m", opts.maxZoom, index.finestPixelSize())
	}

	var groups []ZoomGroup
	if opts.customTargetGB > 0 {
		groups = customSplit(opts.maxZoom, opts.customTargetGB, opts.bbox)
	} else {
		groups, err = getSplitPattern(opts.pattern)
		if err != nil {
			return err
		}
		groups = clampPattern(groups, opts.maxZoom)
	}
	if err := validateSplitPattern(groups, opts.maxZoom); err != nil {
		return err
	}
	printSplitSummary(groups)

	outputDir := filepath.Dir(opts.output)
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return storageErr(err)
	}
	// intermediates spool to the configured work directory when one is
	// set, so slow archival storage only sees the final files
	spoolDir := outputDir
	if conf.Output.Directory != "" {
		spoolDir = conf.Output.Directory
		if err := os.MkdirAll(spoolDir, os.ModePerm); err != nil {
			return storageErr(err)
		}
	}
	stem := storeName(opts.output)
	summaryPath := filepath.Join(outputDir, stem+"_summary.csv")

	var intermediates []string
	for i, group := range groups {
		intermediate := filepath.Join(spoolDir, fmt.Sprintf("%s_%s.mbtiles", stem, group.Name()))
		if opts.resumeFrom >= 0 && i < opts.resumeFrom {
			if _, err := os.Stat(intermediate); err != nil {
				return fmt.Errorf("resume requested but intermediate not found: %s", intermediate)
			}
			log.Infof("skipping group %d/%d (resume): %s", i+1, len(groups), group.Name())
			intermediates = append(intermediates, intermediate)
			continue
		}

		log.Infof("processing group %d/%d: %s", i+1, len(groups), group)
		stats, err := execGroup(conf, opts, group, intermediate)
		appendGroupSummary(summaryPath, i, group, stats, err)
		if err != nil {
			log.Errorf("group %d/%d (%s) failed: %v", i+1, len(groups), group.Name(), err)
			log.Errorf("to resume from this group, use: -resume-from %d", i)
			return err
		}
		intermediates = append(intermediates, intermediate)
		log.Infof("group %d/%d completed in %.1f minutes", i+1, len(groups), stats.elapsed.Minutes())
	}

	merged := filepath.Join(outputDir, stem+".mbtiles")
	log.Infof("merging %d intermediate files into %s", len(intermediates), merged)
	if err := unionMerge(conf, intermediates, merged, opts.overwrite); err != nil {
		return err
	}

	if err := convertToPMTiles(merged, opts.output); err != nil {
		log.Warnf("pmtiles conversion unavailable: %v", err)
		log.Warnf("mbtiles output is available at: %s", merged)
	}

	if !opts.keepIntermediates {
		for _, intermediate := range intermediates {
			if err := os.Remove(intermediate); err != nil {
				log.Warnf("failed to remove %s: %v", intermediate, err)
			}
		}
	}
	log.Infof("split aggregate completed: %s", opts.output)
	return nil
}

type groupStats struct {
	peakRSS int64
	elapsed time.Duration
}

// execGroup is swapped out in tests so the resume logic can run
// without spawning worker processes.
var execGroup = runGroup

// runGroup runs one zoom group in a child process and supervises it.
// The child enforces its own limits too; the parent-side watchdog is
// the backstop for a wedged worker.
func runGroup(conf *Conf, opts splitOptions, group ZoomGroup, intermediate string) (groupStats, error) {
	exe, err := os.Executable()
	if err != nil {
		return groupStats{}, err
	}
	args := []string{"aggregate",
		"-o", intermediate,
		"-zoom", fmt.Sprintf("%d-%d", group.MinZoom, group.MaxZoom),
		"-id", opts.runID + "_" + group.Name(),
	}
	if opts.cfgFile != "" {
		args = append(args, "-c", opts.cfgFile)
	}
	if opts.bbox != nil {
		args = append(args, "-bbox", fmt.Sprintf("%f,%f,%f,%f",
			opts.bbox.Min[0], opts.bbox.Min[1], opts.bbox.Max[0], opts.bbox.Max[1]))
	}
	if opts.overwrite {
		args = append(args, "-overwrite")
	}
	args = append(args, opts.sourceDirs...)

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return groupStats{}, err
	}
	pid := cmd.Process.Pid
	log.Infof("spawned worker pid %d: %s %s", pid, exe, strings.Join(args, " "))

	interval := conf.watchdogInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	breached := make(chan string, 1)
	stop := startWatchdog(pid, conf.Watchdog.MemoryMB, conf.Watchdog.TimeSec, interval,
		func(reason string) {
			breached <- reason
			_ = cmd.Process.Kill()
		})
	defer stop()

	peakDone := make(chan int64, 1)
	go func() {
		var peak int64
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			rss, err := rssBytes(pid)
			if err != nil {
				break
			}
			if rss > peak {
				peak = rss
			}
		}
		peakDone <- peak
	}()

	waitErr := cmd.Wait()
	stats := groupStats{peakRSS: <-peakDone, elapsed: time.Since(start)}

	select {
	case reason := <-breached:
		return stats, fmt.Errorf("%w: worker pid %d killed: %s", ErrResourceExceeded, pid, reason)
	default:
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return stats, workerFailure(pid, exitErr.ExitCode())
		}
		return stats, fmt.Errorf("worker pid %d failed: %w", pid, waitErr)
	}
	return stats, nil
}

// workerFailure maps a worker exit code back to the failure taxonomy.
func workerFailure(pid, code int) error {
	if code == exitResourceExceeded {
		return fmt.Errorf("%w: worker pid %d self-terminated", ErrResourceExceeded, pid)
	}
	return fmt.Errorf("worker pid %d exited with code %d", pid, code)
}

func printSplitSummary(groups []ZoomGroup) {
	log.Infof("split pattern: %d groups", len(groups))
	var totalTiles int64
	var maxMemory float64
	for i, g := range groups {
		log.Infof("group %d: %s", i+1, g)
		totalTiles += g.EstimatedTiles
		if g.EstimatedMemoryGB > maxMemory {
			maxMemory = g.EstimatedMemoryGB
		}
	}
	log.Infof("total estimated tiles: %d, peak memory: ~%.1fGB", totalTiles, maxMemory)
}

// appendGroupSummary keeps a per-group CSV of runtime and memory so
// long runs can be audited afterwards.
func appendGroupSummary(path string, index int, group ZoomGroup, stats groupStats, runErr error) {
	_, statErr := os.Stat(path)
	fp, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Warnf("failed to write group summary: %v", err)
		return
	}
	defer fp.Close()
	w := csv.NewWriter(fp)
	defer w.Flush()
	if os.IsNotExist(statErr) {
		_ = w.Write([]string{"timestamp", "group_index", "group_name", "min_zoom", "max_zoom", "peak_rss_bytes", "elapsed_seconds", "status"})
	}
	status := "ok"
	if runErr != nil {
		status = runErr.Error()
	}
	_ = w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		strconv.Itoa(index),
		group.Name(),
		strconv.Itoa(group.MinZoom),
		strconv.Itoa(group.MaxZoom),
		strconv.FormatInt(stats.peakRSS, 10),
		fmt.Sprintf("%.3f", stats.elapsed.Seconds()),
		status,
	})
}

// convertToPMTiles shells out to the pmtiles CLI when present.
func convertToPMTiles(mbtiles, pmtiles string) error {
	exe, err := exec.LookPath("pmtiles")
	if err != nil {
		if exe, err = exec.LookPath("pmtiles-cli"); err != nil {
			return fmt.Errorf("pmtiles executable not found in PATH")
		}
	}
	cmd := exec.Command(exe, "convert", mbtiles, pmtiles)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Infof("converting with %s", exe)
	return cmd.Run()
}
