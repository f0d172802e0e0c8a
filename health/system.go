package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wayl-ai/wayl/metrics"
)

// Thresholds are usage percentages for warning and critical levels.
type Thresholds struct {
	CPUWarning, CPUCritical       float64
	MemoryWarning, MemoryCritical float64
	DiskWarning, DiskCritical     float64
}

var DefaultThresholds = Thresholds{
	CPUWarning: 70, CPUCritical: 90,
	MemoryWarning: 80, MemoryCritical: 95,
	DiskWarning: 85, DiskCritical: 95,
}

func evaluate(value, warning, critical float64) Level {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= warning:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Usage is a point-in-time reading of host resources.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	DiskPercent   float64
	DiskUsed      uint64
}

// Evaluate grades a usage reading against the thresholds.
func (t Thresholds) Evaluate(u Usage) Result {
	r := Result{
		Status: LevelOK,
		Details: map[string]any{
			"cpu_percent":    u.CPUPercent,
			"memory_percent": u.MemoryPercent,
			"disk_percent":   u.DiskPercent,
		},
	}
	for _, c := range []struct {
		name              string
		value, warn, crit float64
	}{
		{"cpu", u.CPUPercent, t.CPUWarning, t.CPUCritical},
		{"memory", u.MemoryPercent, t.MemoryWarning, t.MemoryCritical},
		{"disk", u.DiskPercent, t.DiskWarning, t.DiskCritical},
	} {
		if lvl := evaluate(c.value, c.warn, c.crit); lvl > r.Status {
			r.Status = lvl
			r.Message = fmt.Sprintf("%s usage %.1f%%", c.name, c.value)
		}
	}
	return r
}

func readUsage(ctx context.Context, path string) (Usage, error) {
	var u Usage
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("cpu: %w", err)
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory: %w", err)
	}
	u.MemoryPercent, u.MemoryUsed = vm.UsedPercent, vm.Used

	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return u, fmt.Errorf("disk: %w", err)
	}
	u.DiskPercent, u.DiskUsed = du.UsedPercent, du.Used
	return u, nil
}

// SystemCheck reads CPU, memory and disk usage for the filesystem at path.
func SystemCheck(path string, t Thresholds) Check {
	return func(ctx context.Context) Result {
		u, err := readUsage(ctx, path)
		if err != nil {
			return Result{Status: LevelError, Message: err.Error()}
		}
		metrics.SetSystemUsage(u.CPUPercent, u.MemoryUsed, u.DiskUsed)
		return t.Evaluate(u)
	}
}
