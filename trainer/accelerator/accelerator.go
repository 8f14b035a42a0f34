// Package accelerator reports the host the loop runs on. Only the CPU is
// driven; the report is logged at fit start so runs can be compared.
package accelerator

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
)

// Info describes the host CPU.
type Info struct {
	Name           string   `json:"name" yaml:"name"`
	Vendor         string   `json:"vendor" yaml:"vendor"`
	PhysicalCores  int      `json:"physical_cores" yaml:"physical_cores"`
	LogicalCores   int      `json:"logical_cores" yaml:"logical_cores"`
	GOMAXPROCS     int      `json:"gomaxprocs" yaml:"gomaxprocs"`
	CacheLineBytes int      `json:"cache_line_bytes" yaml:"cache_line_bytes"`
	Vector         []string `json:"vector" yaml:"vector"`
}

// vectorFeatures are the SIMD extensions reported, widest last.
var vectorFeatures = []struct {
	name string
	ids  []cpuid.FeatureID
}{
	{"sse4.2", []cpuid.FeatureID{cpuid.SSE42}},
	{"avx", []cpuid.FeatureID{cpuid.AVX}},
	{"avx2", []cpuid.FeatureID{cpuid.AVX2}},
	{"fma3", []cpuid.FeatureID{cpuid.FMA3}},
	{"avx512", []cpuid.FeatureID{cpuid.AVX512F, cpuid.AVX512DQ}},
	{"asimd", []cpuid.FeatureID{cpuid.ASIMD}},
}

// Detect reads the CPU description.
func Detect() Info {
	info := Info{
		Name:           strings.TrimSpace(cpuid.CPU.BrandName),
		Vendor:         cpuid.CPU.VendorString,
		PhysicalCores:  cpuid.CPU.PhysicalCores,
		LogicalCores:   cpuid.CPU.LogicalCores,
		GOMAXPROCS:     runtime.GOMAXPROCS(0),
		CacheLineBytes: cpuid.CPU.CacheLine,
	}
	if info.Name == "" {
		info.Name = runtime.GOARCH
	}
	if info.LogicalCores == 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	for _, f := range vectorFeatures {
		if cpuid.CPU.Supports(f.ids...) {
			info.Vector = append(info.Vector, f.name)
		}
	}
	return info
}

// Resolve maps a configured accelerator name to the device used.
func Resolve(name string) (string, error) {
	switch name {
	case "", "auto", "cpu":
		return "cpu", nil
	default:
		return "", fmt.Errorf("unsupported accelerator %q; valid: auto, cpu", name)
	}
}

// Log writes the report at Info level.
func (i Info) Log() {
	logrus.WithFields(logrus.Fields{
		"cpu":     i.Name,
		"cores":   fmt.Sprintf("%d/%d", i.PhysicalCores, i.LogicalCores),
		"procs":   i.GOMAXPROCS,
		"vector":  strings.Join(i.Vector, ","),
		"backend": "cpu",
	}).Info("accelerator")
}
