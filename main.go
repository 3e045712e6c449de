package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetLevel(log.InfoLevel)
}

// initLog 初始化日志: stdout plus a dated log file when a log
// directory is configured.
func initLog(conf *Conf) {
	writers := []io.Writer{os.Stdout}
	if conf.Output.LogDir != "" {
		_ = os.MkdirAll(conf.Output.LogDir, os.ModePerm)
		filename := filepath.Join(conf.Output.LogDir, time.Now().Format("2006-01-02")+".log")
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			log.Warnf("failed to open log file %s: %v", filename, err)
		} else {
			writers = append(writers, file)
		}
	}
	log.SetOutput(io.MultiWriter(writers...))
}

func usage() {
	fmt.Fprintf(os.Stderr, `terratiler version: terratiler/v0.1.0
Usage: terratiler <command> [options] [args]

Commands:
  bounds     validate source bounds.csv files and print coverage
  composite  build a single tile from one ESRI ASCII grid
  aggregate  build a tile pyramid from source collections
  split      aggregate in zoom groups, merge, convert to pmtiles
  merge      merge finished tile stores
  inspect    summarize an mbtiles or pmtiles file
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFatal)
	}
	InitSafeExit()

	var err error
	switch os.Args[1] {
	case "bounds":
		err = cmdBounds(os.Args[2:])
	case "composite":
		err = cmdComposite(os.Args[2:])
	case "aggregate":
		err = cmdAggregate(os.Args[2:])
	case "split":
		err = cmdSplit(os.Args[2:])
	case "merge":
		err = cmdMerge(os.Args[2:])
	case "inspect":
		err = cmdInspect(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitFatal)
	}
	if err != nil {
		log.Errorf("%v", err)
		if errors.Is(err, ErrResourceExceeded) {
			os.Exit(exitResourceExceeded)
		}
		os.Exit(exitFatal)
	}
}

// parseZoomRange accepts "5-12", a single "8", or "" (zoom 0 up to
// the automatic maximum).
func parseZoomRange(s string) (int, int, error) {
	if s == "" {
		return 0, -1, nil
	}
	parts := strings.SplitN(s, "-", 2)
	minZoom, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad zoom range %q", s)
	}
	if len(parts) == 1 {
		return minZoom, minZoom, nil
	}
	maxZoom, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad zoom range %q", s)
	}
	return minZoom, maxZoom, nil
}

// parseBBox accepts "west,south,east,north" in WGS84 degrees.
func parseBBox(s string) (*orb.Bound, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bad bbox %q, want west,south,east,north", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad bbox %q: %v", s, err)
		}
		vals[i] = v
	}
	if vals[0] >= vals[2] || vals[1] >= vals[3] {
		return nil, fmt.Errorf("bad bbox %q: west<east and south<north required", s)
	}
	return &orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

// parseTileCoord accepts "z/x/y".
func parseTileCoord(s string) (TileCoord, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return TileCoord{}, fmt.Errorf("bad tile %q, want z/x/y", s)
	}
	vals := make([]uint64, 3)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return TileCoord{}, fmt.Errorf("bad tile %q: %v", s, err)
		}
		vals[i] = v
	}
	c := TileCoord{Z: uint32(vals[0]), X: uint32(vals[1]), Y: uint32(vals[2])}
	limit := uint64(1) << c.Z
	if vals[1] >= limit || vals[2] >= limit {
		return TileCoord{}, fmt.Errorf("tile %q out of range for zoom %d", s, c.Z)
	}
	return c, nil
}

func cmdBounds(args []string) error {
	fs := flag.NewFlagSet("bounds", flag.ExitOnError)
	cf := fs.String("c", "", "set config `file`")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one source directory is required")
	}
	conf := initConf(*cf)
	initLog(conf)
	records, err := loadSources(fs.Args())
	if err != nil {
		return err
	}
	newSourceIndex(records).summary(os.Stdout)
	return nil
}

func cmdComposite(args []string) error {
	fs := flag.NewFlagSet("composite", flag.ExitOnError)
	cf := fs.String("c", "", "set config `file`")
	out := fs.String("o", "tile.png", "output `file`")
	tileArg := fs.String("tile", "", "tile as `z/x/y` (required)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one source grid file is required")
	}
	if *tileArg == "" {
		return fmt.Errorf("-tile is required")
	}
	coord, err := parseTileCoord(*tileArg)
	if err != nil {
		return err
	}
	conf := initConf(*cf)
	initLog(conf)
	return runComposite(conf, fs.Arg(0), coord, *out)
}

func cmdAggregate(args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
	cf := fs.String("c", "", "set config `file`")
	out := fs.String("o", "", "output mbtiles `path` (required)")
	zoomArg := fs.String("zoom", "", "zoom `range` like 0-12 (default: 0 to auto)")
	bboxArg := fs.String("bbox", "", "WGS84 `bbox` west,south,east,north")
	overwrite := fs.Bool("overwrite", false, "overwrite an existing output file")
	runID := fs.String("id", "", "run id for progress tracking (default: random)")
	_ = fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("-o is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one source directory is required")
	}
	minZoom, maxZoom, err := parseZoomRange(*zoomArg)
	if err != nil {
		return err
	}
	bbox, err := parseBBox(*bboxArg)
	if err != nil {
		return err
	}
	if *runID == "" {
		*runID = uuid.New().String()
	}
	conf := initConf(*cf)
	initLog(conf)
	return runAggregate(conf, aggregateOptions{
		sourceDirs: fs.Args(),
		output:     *out,
		minZoom:    minZoom,
		maxZoom:    maxZoom,
		bbox:       bbox,
		overwrite:  *overwrite,
		runID:      *runID,
	})
}

func cmdSplit(args []string) error {
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	cf := fs.String("c", "", "set config `file`")
	out := fs.String("o", "", "output pmtiles `path` (required)")
	pattern := fs.String("pattern", "balanced", "split `pattern`: balanced, safe, fast, incremental, single")
	targetGB := fs.Float64("target-memory-gb", 0, "build a custom split targeting this memory per group")
	resumeFrom := fs.Int("resume-from", -1, "resume from group `N` (0-based)")
	maxZoom := fs.Int("max-zoom", -1, "top zoom level (default: derived from sources)")
	bboxArg := fs.String("bbox", "", "WGS84 `bbox` west,south,east,north")
	overwrite := fs.Bool("overwrite", false, "overwrite existing files")
	keep := fs.Bool("keep-intermediates", false, "keep per-group mbtiles after merging")
	runID := fs.String("id", "", "run id for progress tracking (default: random)")
	_ = fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("-o is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one source directory is required")
	}
	bbox, err := parseBBox(*bboxArg)
	if err != nil {
		return err
	}
	if *runID == "" {
		*runID = uuid.New().String()
	}
	conf := initConf(*cf)
	initLog(conf)
	return runSplit(conf, splitOptions{
		sourceDirs:        fs.Args(),
		output:            *out,
		pattern:           *pattern,
		customTargetGB:    *targetGB,
		resumeFrom:        *resumeFrom,
		maxZoom:           *maxZoom,
		bbox:              bbox,
		overwrite:         *overwrite,
		keepIntermediates: *keep,
		cfgFile:           *cf,
		runID:             *runID,
	})
}

func cmdMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	cf := fs.String("c", "", "set config `file`")
	out := fs.String("o", "", "output mbtiles `path` (required)")
	pixelwise := fs.Bool("pixelwise", false, "fuse overlapping tiles pixel by pixel")
	policy := fs.String("policy", "priority", "overlap `policy` for -pixelwise: priority or max")
	overwrite := fs.Bool("overwrite", false, "overwrite an existing output file")
	_ = fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("-o is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one input file is required")
	}
	conf := initConf(*cf)
	initLog(conf)
	if *pixelwise {
		pol, err := parseMergePolicy(*policy)
		if err != nil {
			return err
		}
		return pixelwiseMerge(conf, fs.Args(), *out, pol, *overwrite)
	}
	return unionMerge(conf, fs.Args(), *out, *overwrite)
}

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	tileArg := fs.String("tile", "", "also decode tile `z/x/y` (mbtiles only)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one mbtiles or pmtiles file is required")
	}
	var coord *TileCoord
	if *tileArg != "" {
		c, err := parseTileCoord(*tileArg)
		if err != nil {
			return err
		}
		coord = &c
	}
	return runInspect(fs.Arg(0), coord, os.Stdout)
}
