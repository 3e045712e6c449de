package main

import (
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
)

// progressReporter renders a terminal bar over the estimated tile
// total and emits periodic ETA lines to the log file. The estimate is
// an upper bound; skipped empty tiles still count as processed so the
// bar reaches 100%.
type progressReporter struct {
	bar      *pb.ProgressBar
	total    int64
	started  time.Time
	lastLine time.Time
}

func newProgressReporter(prefix string, total int64) *progressReporter {
	bar := pb.New64(total)
	bar.Set("prefix", fmt.Sprintf("%s : ", prefix))
	bar.Start()
	return &progressReporter{
		bar:     bar,
		total:   total,
		started: time.Now(),
	}
}

func (p *progressReporter) report(prog Progress) {
	p.bar.SetCurrent(prog.Enumerated)
	if time.Since(p.lastLine) < 30*time.Second {
		return
	}
	p.lastLine = time.Now()
	elapsed := time.Since(p.started)
	if prog.Enumerated > 0 && p.total > 0 {
		perTile := elapsed / time.Duration(prog.Enumerated)
		remain := time.Duration(p.total-prog.Enumerated) * perTile
		log.Infof("progress %d/%d tiles, %d written, elapsed %s, eta %s",
			prog.Enumerated, p.total, prog.Emitted, elapsed.Round(time.Second), remain.Round(time.Second))
	}
}

func (p *progressReporter) finish() {
	p.bar.SetCurrent(p.total)
	p.bar.Finish()
	log.Infof("done in %s", time.Since(p.started).Round(time.Second))
}
