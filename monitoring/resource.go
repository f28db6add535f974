package monitoring

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/process"
)

// ResourceUsage is the CPU and memory footprint of the current process.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

// CurrentResourceUsage samples the running process.
func CurrentResourceUsage() (ResourceUsage, error) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("opening process %d: %w", pid, err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("reading cpu usage: %w", err)
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("reading memory usage: %w", err)
	}

	return ResourceUsage{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	}, nil
}
