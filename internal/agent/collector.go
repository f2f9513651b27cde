// System telemetry attached to apply-result details, collected via gopsutil.
package agent

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot holds a single collection cycle's data.
type Snapshot struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	CPUUsage    float64   `json:"cpu_usage"`  // percent 0-100
	MemUsage    float64   `json:"mem_usage"`  // percent 0-100
	DiskUsage   float64   `json:"disk_usage"` // percent 0-100 (root mount)
	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers system telemetry.
type Collector struct{}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect gathers the current system snapshot. Individual probe failures are
// tolerated; the corresponding fields stay zero.
func (c *Collector) Collect() (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}
	if info, err := host.Info(); err == nil {
		snap.OS = info.Platform + " " + info.PlatformVersion
	}
	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		snap.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		snap.DiskUsage = du.UsedPercent
	}
	return snap, nil
}
