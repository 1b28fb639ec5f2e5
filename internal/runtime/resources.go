package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPUSeconds = "/cpu/classes/total:cpu-seconds"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// RuntimeUsage is a coarse view of the hosting process, reported next to the
// bus statistics.
type RuntimeUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
}

// runtimeSampler reads runtime/metrics without stopping the world. CPU usage
// is the delta since the previous sample, so the first sample reports zero.
type runtimeSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
}

func newRuntimeSampler() *runtimeSampler {
	return &runtimeSampler{
		samples: []metrics.Sample{
			{Name: sampleCPUSeconds},
			{Name: sampleHeapBytes},
			{Name: sampleGoroutines},
		},
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *runtimeSampler) Sample() RuntimeUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()

	var usage RuntimeUsage
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastAt.IsZero() {
				wall := now.Sub(r.lastAt).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
				}
			}
			r.lastCPU = cpu
		case sampleHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	r.lastAt = now
	return usage
}
