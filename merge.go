package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type mergePolicy string

const (
	// mergePriority: manifest order wins, later inputs only fill
	// pixels the earlier ones left at the missing value (0 m).
	mergePriority mergePolicy = "priority"
	// mergeMax: per-pixel maximum elevation.
	mergeMax mergePolicy = "max"
)

func parseMergePolicy(s string) (mergePolicy, error) {
	switch mergePolicy(s) {
	case mergePriority, mergeMax:
		return mergePolicy(s), nil
	}
	return "", fmt.Errorf("unknown merge policy %q, available: priority, max", s)
}

// progressKey names the metadata row holding the last copied write
// ordinal of one input, so an interrupted union merge resumes instead
// of restarting.
func progressKey(input string) string {
	return "progress:" + filepath.Base(input)
}

// unionMerge copies every tile of every input into one store. Inputs
// come from disjoint zoom groups, so the tile sets must not overlap;
// the count check after copying catches violations without a second
// full scan.
func unionMerge(conf *Conf, inputs []string, output string, overwrite bool) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs to merge")
	}
	var expected int64
	for _, input := range inputs {
		if _, err := os.Stat(input); err != nil {
			return storageErr(err)
		}
		in, err := newTileStore(input, storeOptions{backend: "mbtiles"}, storeRead)
		if err != nil {
			return err
		}
		n, err := in.countTiles()
		_ = in.close()
		if err != nil {
			return err
		}
		expected += n
	}

	opts := storeOptionsFromConf(conf, overwrite)
	mode := storeCreate
	if !overwrite {
		if _, err := os.Stat(output); err == nil {
			// an unfinished merge left a partial output; resume it
			mode = storeAppend
			log.Infof("resuming union merge into existing %s", output)
		}
	}
	dest, err := newTileStore(output, opts, mode)
	if err != nil {
		return err
	}

	for _, input := range inputs {
		in, err := newTileStore(input, storeOptions{backend: "mbtiles"}, storeRead)
		if err != nil {
			_ = dest.close()
			return err
		}
		destMeta, err := dest.readMetadata()
		if err != nil {
			destMeta = map[string]string{}
		}
		var resumeFrom int64
		if v, ok := destMeta[progressKey(input)]; ok {
			resumeFrom, _ = strconv.ParseInt(v, 10, 64)
			if resumeFrom > 0 {
				log.Infof("resuming %s from write ordinal %d", filepath.Base(input), resumeFrom)
			}
		}

		copied := 0
		err = in.iterateFrom(resumeFrom, func(ordinal int64, c TileCoord, data []byte) error {
			if err := dest.put(c, data); err != nil {
				return err
			}
			copied++
			if copied%dest.opts.batchSize == 0 {
				if err := dest.flush(); err != nil {
					return err
				}
				if err := dest.setMetadata(progressKey(input), strconv.FormatInt(ordinal, 10)); err != nil {
					return err
				}
			}
			return nil
		})
		_ = in.close()
		if err != nil {
			_ = dest.close()
			return err
		}
		if err := dest.flush(); err != nil {
			_ = dest.close()
			return err
		}
		if err := dest.setMetadata(progressKey(input), strconv.FormatInt(math.MaxInt64, 10)); err != nil {
			_ = dest.close()
			return err
		}
		log.Infof("merged %d tiles from %s", copied, filepath.Base(input))
	}

	// the unique index collapses coordinate collisions, so a shortfall
	// of distinct coordinates against the input sum means two inputs
	// carried the same tile
	destCount, err := dest.countDistinct()
	if err != nil {
		_ = dest.close()
		return err
	}
	if destCount != expected {
		_ = dest.close()
		return fmt.Errorf("%w: inputs hold %d tiles but merged store holds %d", ErrDuplicateTile, expected, destCount)
	}

	meta, err := mergedMetadata(dest, inputs, output)
	if err != nil {
		_ = dest.close()
		return err
	}
	if err := dest.deleteMetadataPrefix("progress:"); err != nil {
		_ = dest.close()
		return err
	}
	if err := dest.finalize(meta); err != nil {
		return err
	}
	log.Infof("merge completed: %s, %d tiles", output, destCount)
	return nil
}

// mergedMetadata recomputes zoom range and bounds from the merged
// tiles and unions the input attributions. The first input wins for
// everything else.
func mergedMetadata(dest *tileStore, inputs []string, output string) (map[string]string, error) {
	base := map[string]string{}
	attributions := map[string]bool{}
	for i, input := range inputs {
		in, err := newTileStore(input, storeOptions{backend: "mbtiles"}, storeRead)
		if err != nil {
			return nil, err
		}
		md, err := in.readMetadata()
		_ = in.close()
		if err != nil {
			return nil, err
		}
		if i == 0 {
			base = md
		}
		if a := strings.TrimSpace(md["attribution"]); a != "" {
			attributions[a] = true
		}
	}

	meta := map[string]string{
		"name":     storeName(output),
		"format":   payloadFormat,
		"encoding": encodingName,
		"version":  MBTileVersion,
	}
	if v, ok := base["name"]; ok {
		meta["name"] = v
	}
	if v, ok := base["format"]; ok {
		meta["format"] = v
	}
	if v, ok := base["encoding"]; ok {
		meta["encoding"] = v
	}
	if len(attributions) > 0 {
		keys := make([]string, 0, len(attributions))
		for a := range attributions {
			keys = append(keys, a)
		}
		sort.Strings(keys)
		meta["attribution"] = strings.Join(keys, " | ")
	}

	minZ, maxZ, err := dest.zoomRange()
	if err != nil {
		return nil, err
	}
	if maxZ >= 0 {
		meta["minzoom"] = strconv.Itoa(minZ)
		meta["maxzoom"] = strconv.Itoa(maxZ)
	}

	coords, err := dest.coords()
	if err != nil {
		return nil, err
	}
	if len(coords) > 0 {
		minLon, minLat := math.Inf(1), math.Inf(1)
		maxLon, maxLat := math.Inf(-1), math.Inf(-1)
		for _, c := range coords {
			b := c.boundWGS84()
			minLon = math.Min(minLon, b.Min[0])
			minLat = math.Min(minLat, b.Min[1])
			maxLon = math.Max(maxLon, b.Max[0])
			maxLat = math.Max(maxLat, b.Max[1])
		}
		meta["bounds"] = fmt.Sprintf("%f,%f,%f,%f", minLon, minLat, maxLon, maxLat)
		meta["center"] = fmt.Sprintf("%f,%f,%d", (minLon+maxLon)/2, (minLat+maxLat)/2, (minZ+maxZ)/2)
	}
	return meta, nil
}

// pixelwiseMerge fuses stores whose tile sets may overlap. Every tile
// passes through the codec, including unique ones, so the output is
// uniformly re-encoded. Encoded payloads carry no per-pixel
// provenance (missing pixels were already written as 0 m), which is
// why the overlap policy is an explicit parameter.
func pixelwiseMerge(conf *Conf, inputs []string, output string, policy mergePolicy, overwrite bool) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs to merge")
	}
	stores := make([]*tileStore, 0, len(inputs))
	defer func() {
		for _, s := range stores {
			_ = s.db.Close()
		}
	}()
	seen := map[TileCoord]bool{}
	var union []TileCoord
	for _, input := range inputs {
		in, err := newTileStore(input, storeOptions{backend: "mbtiles"}, storeRead)
		if err != nil {
			return err
		}
		stores = append(stores, in)
		coords, err := in.coords()
		if err != nil {
			return err
		}
		for _, c := range coords {
			if !seen[c] {
				seen[c] = true
				union = append(union, c)
			}
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i].less(union[j]) })

	dest, err := newTileStore(output, storeOptionsFromConf(conf, overwrite), storeCreate)
	if err != nil {
		return err
	}

	overlaps := 0
	for _, c := range union {
		var fused []float64
		candidates := 0
		for si, in := range stores {
			payload, err := in.getTile(c)
			if err != nil {
				_ = dest.close()
				return err
			}
			if payload == nil {
				continue
			}
			elev, err := decodeTile(payload)
			if err != nil {
				_ = dest.close()
				return fmt.Errorf("decoding %s: %w", c, err)
			}
			candidates++
			if fused == nil {
				fused = elev
				continue
			}
			if len(elev) != len(fused) {
				_ = dest.close()
				return fmt.Errorf("tile %s in %s has %d samples, want %d", c, inputs[si], len(elev), len(fused))
			}
			switch policy {
			case mergeMax:
				for i := range fused {
					if elev[i] > fused[i] {
						fused[i] = elev[i]
					}
				}
			default: // mergePriority
				for i := range fused {
					if fused[i] == 0 && elev[i] != 0 {
						fused[i] = elev[i]
					}
				}
			}
		}
		if candidates > 1 {
			overlaps++
		}
		payload, err := encodeTile(fused, c.Z)
		if err != nil {
			_ = dest.close()
			return err
		}
		if err := dest.put(c, payload); err != nil {
			_ = dest.close()
			return err
		}
	}

	meta, err := mergedMetadata(dest, inputs, output)
	if err != nil {
		_ = dest.close()
		return err
	}
	if err := dest.finalize(meta); err != nil {
		return err
	}
	log.Infof("pixel-wise merge completed: %s, %d tiles (%d overlapping, policy %s)", output, len(union), overlaps, policy)
	return nil
}
