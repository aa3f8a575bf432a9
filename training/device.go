package training

import (
	"log/slog"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo describes the machine a training session runs on
type HostInfo struct {
	Brand          string
	Vendor         string
	PhysicalCores  int
	LogicalCores   int
	ThreadsPerCore int
	GOMAXPROCS     int
	AVX2           bool
	AVX512         bool
}

// DescribeHost reports the CPU of the current machine
func DescribeHost() HostInfo {
	return HostInfo{
		Brand:          cpuid.CPU.BrandName,
		Vendor:         cpuid.CPU.VendorString,
		PhysicalCores:  cpuid.CPU.PhysicalCores,
		LogicalCores:   cpuid.CPU.LogicalCores,
		ThreadsPerCore: cpuid.CPU.ThreadsPerCore,
		GOMAXPROCS:     runtime.GOMAXPROCS(0),
		AVX2:           cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:         cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// LogValue renders the host as a group of log attributes
func (h HostInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("cpu", h.Brand),
		slog.String("vendor", h.Vendor),
		slog.Int("physical_cores", h.PhysicalCores),
		slog.Int("logical_cores", h.LogicalCores),
		slog.Int("gomaxprocs", h.GOMAXPROCS),
		slog.Bool("avx2", h.AVX2),
		slog.Bool("avx512", h.AVX512),
	)
}
