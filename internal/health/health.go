// Package health reports the server's own process vitals for /api/health.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Snapshot struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	RSSBytes      uint64  `json:"rssBytes"`
	CPUPercent    float64 `json:"cpuPercent"`
	Connected     int     `json:"connectedSessions"`
	Searching     int     `json:"searchingSessions"`
	Paired        int     `json:"pairedSessions"`
}

// Checker samples the running server process. Counts come from the caller
// so this package stays ignorant of the registry.
type Checker struct {
	proc    *process.Process
	started time.Time
	counts  func() (connected, searching, paired int)
}

func NewChecker(counts func() (connected, searching, paired int)) (*Checker, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Checker{
		proc:    proc,
		started: time.Now(),
		counts:  counts,
	}, nil
}

func (c *Checker) Snapshot() Snapshot {
	snap := Snapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if mem, err := c.proc.MemoryInfo(); err == nil {
		snap.RSSBytes = mem.RSS
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if c.counts != nil {
		snap.Connected, snap.Searching, snap.Paired = c.counts()
	}

	return snap
}
