package sensor

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// SystemMetrics is one sample of host health values attached to every
// reading.
type SystemMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskUsageMB   float64
	CPUTempC      float64
	CPUTempF      float64
}

// SystemSampler reads CPU, memory, disk and SoC temperature. Sampling
// never fails a reading: unavailable values stay zero.
type SystemSampler struct {
	logger      *zap.Logger
	thermalPath string
}

// NewSystemSampler returns a sampler reading from the default sources.
func NewSystemSampler(logger *zap.Logger) *SystemSampler {
	return &SystemSampler{logger: logger, thermalPath: thermalZonePath}
}

// Sample collects the current system metrics.
func (s *SystemSampler) Sample() SystemMetrics {
	var m SystemMetrics

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	} else {
		s.logger.Debug("memory sample failed", zap.Error(err))
	}

	if usage, err := disk.Usage("/"); err == nil {
		m.DiskUsageMB = float64(usage.Used) / (1024 * 1024)
	} else {
		s.logger.Debug("disk sample failed", zap.Error(err))
	}

	if c, ok := s.readThermal(); ok {
		m.CPUTempC = c
		m.CPUTempF = c*9/5 + 32
	} else {
		m.CPUTempF = 32
	}

	return m
}

func (s *SystemSampler) readThermal() (float64, bool) {
	raw, err := os.ReadFile(s.thermalPath)
	if err != nil {
		return 0, false
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return float64(milli) / 1000, true
}
