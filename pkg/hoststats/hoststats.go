// Package hoststats takes a small snapshot of the machine a worker runs on.
package hoststats

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Snapshot is what a worker reports about its host at the end of a job.
type Snapshot struct {
	Hostname   string  `cbor:"hostname"`
	OS         string  `cbor:"os"`
	Platform   string  `cbor:"platform"`
	CPUs       int     `cbor:"cpus"`
	CPUPercent float64 `cbor:"cpuPercent"`
	MemPercent float64 `cbor:"memPercent"`
}

// Collect gathers a Snapshot. Fields that could not be read stay zero and
// their errors are joined into the returned error.
func Collect(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	var errs []error

	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else {
		s.Hostname = info.Hostname
		s.OS = info.OS
		s.Platform = info.Platform
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	} else {
		s.CPUs = n
	}

	// Interval 0 compares against the previous call instead of sleeping.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		s.MemPercent = vm.UsedPercent
	}

	return s, errors.Join(errs...)
}

// FreeGB returns the free space of the filesystem holding path, in GB.
func FreeGB(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return usage.Free / (1024 * 1024 * 1024), nil
}
