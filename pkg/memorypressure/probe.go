// Package memorypressure reads container memory usage for admission
// control: cgroup v2 accounting when available, process RSS otherwise.
package memorypressure

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Stats is one memory reading.
type Stats struct {
	// Usage is bytes currently in use (cgroup memory.current, or RSS).
	Usage uint64 `json:"usage"`
	// Limit is the enforceable ceiling in bytes; 0 means unlimited.
	Limit uint64 `json:"limit"`
	// Fraction is Usage/Limit, or 0 when unlimited.
	Fraction float64 `json:"fraction"`
	// Source is "cgroup" or "rss".
	Source string `json:"source"`
}

// Probe reads memory stats. Zero value is not usable; use NewProbe.
type Probe struct {
	cgroupDir string
	statmPath string
	pageSize  uint64
	threshold float64
}

// NewProbe creates a probe with the given pressure threshold (fraction of
// the limit above which admission is rejected).
func NewProbe(threshold float64) *Probe {
	return &Probe{
		cgroupDir: "/sys/fs/cgroup",
		statmPath: "/proc/self/statm",
		pageSize:  uint64(os.Getpagesize()),
		threshold: threshold,
	}
}

// Read returns the current memory stats. cgroup v2 files are preferred; a
// host without them falls back to process RSS with no limit.
func (p *Probe) Read() Stats {
	if st, ok := p.readCgroup(); ok {
		return st
	}
	return p.readRSS()
}

// UnderPressure reports whether usage/limit has crossed the threshold.
// Unlimited memory never reports pressure.
func (p *Probe) UnderPressure() bool {
	st := p.Read()
	return st.Limit > 0 && st.Fraction >= p.threshold
}

func (p *Probe) readCgroup() (Stats, bool) {
	current, err := readUintFile(p.cgroupDir + "/memory.current")
	if err != nil {
		return Stats{}, false
	}
	st := Stats{Usage: current, Source: "cgroup"}
	// memory.max is "max" when the cgroup is unlimited.
	if raw, err := os.ReadFile(p.cgroupDir + "/memory.max"); err == nil {
		text := strings.TrimSpace(string(raw))
		if text != "max" {
			if limit, err := strconv.ParseUint(text, 10, 64); err == nil && limit > 0 {
				st.Limit = limit
				st.Fraction = float64(current) / float64(limit)
			}
		}
	}
	return st, true
}

func (p *Probe) readRSS() Stats {
	raw, err := os.ReadFile(p.statmPath)
	if err != nil {
		return Stats{Source: "rss"}
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return Stats{Source: "rss"}
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Stats{Source: "rss"}
	}
	return Stats{Usage: pages * p.pageSize, Source: "rss"}
}

func readUintFile(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected content in %s: %w", path, err)
	}
	return v, nil
}
