package gateway

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SystemMetrics is the process and host usage pushed to dashboards.
type SystemMetrics struct {
	CPULoad1    float64 `json:"cpu_load_1"`
	CPULoad5    float64 `json:"cpu_load_5"`
	CPULoad15   float64 `json:"cpu_load_15"`
	CPUPercent  float64 `json:"cpu_percent"`
	CPUCores    int     `json:"cpu_cores"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemPercent  float64 `json:"mem_percent"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`
	Clients     int     `json:"clients"`
	LatencyP50  float64 `json:"latency_p50_ms"`
	LatencyP95  float64 `json:"latency_p95_ms"`
	LatencyP99  float64 `json:"latency_p99_ms"`
	TS          string  `json:"ts"`
}

type cpuSample struct {
	idle  uint64
	total uint64
}

var (
	cpuMu   sync.Mutex
	prevCPU cpuSample
)

// readProcLine returns the fields of the first line of path starting with
// prefix.
func readProcLine(path, prefix string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, prefix) {
			return strings.Fields(line)
		}
	}
	return nil
}

func readCPUSample() cpuSample {
	fields := readProcLine("/proc/stat", "cpu ")
	if len(fields) < 5 {
		return cpuSample{}
	}
	var s cpuSample
	for i := 1; i < len(fields); i++ {
		v, _ := strconv.ParseUint(fields[i], 10, 64)
		s.total += v
		if i == 4 {
			s.idle = v
		}
	}
	return s
}

func procKB(fields []string) uint64 {
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

// CollectMetrics samples host and runtime usage. CPU percent is measured
// against the previous call, so the first call reports zero.
func CollectMetrics(start time.Time) SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start).Seconds()),
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		CPUCores:   runtime.NumCPU(),
	}

	cur := readCPUSample()
	cpuMu.Lock()
	if prevCPU.total > 0 && cur.total > prevCPU.total {
		dTotal := float64(cur.total - prevCPU.total)
		dIdle := float64(cur.idle - prevCPU.idle)
		m.CPUPercent = (1.0 - dIdle/dTotal) * 100.0
	}
	prevCPU = cur
	cpuMu.Unlock()

	if fields := readProcLine("/proc/loadavg", ""); len(fields) >= 3 {
		m.CPULoad1, _ = strconv.ParseFloat(fields[0], 64)
		m.CPULoad5, _ = strconv.ParseFloat(fields[1], 64)
		m.CPULoad15, _ = strconv.ParseFloat(fields[2], 64)
	}

	total := procKB(readProcLine("/proc/meminfo", "MemTotal:"))
	available := procKB(readProcLine("/proc/meminfo", "MemAvailable:"))
	if total > 0 && available <= total {
		used := total - available
		m.MemTotalMB = float64(total) / 1024
		m.MemUsedMB = float64(used) / 1024
		m.MemPercent = float64(used) / float64(total) * 100
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	m.SysMB = float64(ms.Sys) / 1024 / 1024
	m.GCRuns = ms.NumGC
	return m
}

// TFLabel returns a human-readable label for a timeframe in seconds.
func TFLabel(tf int) string {
	switch {
	case tf < 60 || tf%60 != 0:
		return fmt.Sprintf("%ds", tf)
	case tf < 3600 || tf%3600 != 0:
		return fmt.Sprintf("%dm", tf/60)
	default:
		return fmt.Sprintf("%dh", tf/3600)
	}
}
