package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// rssBytes reads the resident set size of a process from
// /proc/<pid>/status (VmRSS line, reported in kB).
func rssBytes(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

// startWatchdog polls the memory of pid and the wall clock, calling
// onBreach once when either limit is crossed. memMB<=0 and timeSec<=0
// each disable their check. The returned function stops the watchdog;
// it is safe to call after a breach.
func startWatchdog(pid int, memMB, timeSec int, interval time.Duration, onBreach func(reason string)) func() {
	if memMB <= 0 && timeSec <= 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	done := make(chan struct{})
	started := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if memMB > 0 {
					rss, err := rssBytes(pid)
					if err != nil {
						// process already gone
						return
					}
					if rss > int64(memMB)*1024*1024 {
						log.Warnf("pid %d rss %d MB over limit %d MB", pid, rss/1024/1024, memMB)
						onBreach(fmt.Sprintf("memory limit %d MB exceeded", memMB))
						return
					}
				}
				if timeSec > 0 && time.Since(started) > time.Duration(timeSec)*time.Second {
					log.Warnf("pid %d over time limit %d s", pid, timeSec)
					onBreach(fmt.Sprintf("time limit %d s exceeded", timeSec))
					return
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
